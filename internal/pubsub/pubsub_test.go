package pubsub

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeSubscriber struct {
	id  string
	out [][]byte
}

func (f *fakeSubscriber) SendPubSub(msg []byte) {
	f.out = append(f.out, msg)
}

func TestSubscribePublish(t *testing.T) {
	r := New(zerolog.Nop(), 100)
	sub := &fakeSubscriber{id: "a"}
	r.Subscribe(sub, []string{"news", "sports"})

	if n := r.Publish("news", "hello"); n != 1 {
		t.Fatalf("expected 1 receiver, got %d", n)
	}
	if n := r.Publish("weather", "hi"); n != 0 {
		t.Fatalf("expected 0 receivers for unknown channel, got %d", n)
	}
	if len(sub.out) != 3 { // 2 subscribe confirms + 1 message
		t.Fatalf("expected 3 messages delivered, got %d", len(sub.out))
	}
}

func TestUnsubscribeAllWithNoSubscriptions(t *testing.T) {
	r := New(zerolog.Nop(), 100)
	sub := &fakeSubscriber{id: "b"}
	r.Unsubscribe(sub, nil)
	if len(sub.out) != 1 {
		t.Fatalf("expected exactly one null confirmation, got %d", len(sub.out))
	}
}

func TestRemoveClientStripsAllChannels(t *testing.T) {
	r := New(zerolog.Nop(), 100)
	sub := &fakeSubscriber{id: "c"}
	r.Subscribe(sub, []string{"a", "b"})
	r.RemoveClient(sub)
	if n := r.Publish("a", "x"); n != 0 {
		t.Fatalf("expected removed client to no longer receive publishes, got %d receivers", n)
	}
}

func TestClientAppearsAtMostOnceInChannel(t *testing.T) {
	r := New(zerolog.Nop(), 100)
	sub := &fakeSubscriber{id: "d"}
	r.Subscribe(sub, []string{"dup", "dup"})
	if n := r.Publish("dup", "x"); n != 1 {
		t.Fatalf("expected single delivery per publish despite duplicate subscribe, got %d", n)
	}
}
