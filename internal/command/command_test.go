package command

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
	"github.com/varunrmantri23/CrimsonCache/internal/pubsub"
	"github.com/varunrmantri23/CrimsonCache/internal/txn"
)

type fakeSession struct {
	replies [][]byte
	pushes  [][]byte
}

func (f *fakeSession) Reply(b []byte)      { f.replies = append(f.replies, b) }
func (f *fakeSession) SendPubSub(b []byte) { f.pushes = append(f.pushes, b) }
func (f *fakeSession) PeerIP() string      { return "127.0.0.1" }
func (f *fakeSession) Conn() net.Conn      { return nil }

type stubReplication struct {
	primary bool
	fed     []string
}

func (s *stubReplication) IsPrimary() bool                                          { return s.primary }
func (s *stubReplication) Feed(rawLine string)                                      { s.fed = append(s.fed, rawLine) }
func (s *stubReplication) Role() []byte                                             { return []byte("*3\r\n$6\r\nmaster\r\n:0\r\n*0\r\n") }
func (s *stubReplication) ReplicaOf(host, port string) error                        { return nil }
func (s *stubReplication) ReplicaOfNoOne()                                          {}
func (s *stubReplication) AddReplica(conn net.Conn, peerIP string, port int) error { return nil }

func newTestDispatcher() (*Dispatcher, *stubReplication) {
	ks := keyspace.New(16, 0)
	reg := pubsub.New(zerolog.Nop(), 100)
	repl := &stubReplication{primary: true}
	return New(ks, reg, "unused.ccdb", repl), repl
}

func lastReply(s *fakeSession) string {
	if len(s.replies) == 0 {
		return ""
	}
	return string(s.replies[len(s.replies)-1])
}

func TestSetGetDel(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "SET foo bar", false)
	if lastReply(s) != "+OK\r\n" {
		t.Fatalf("unexpected SET reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "GET foo", false)
	if lastReply(s) != "$3\r\nbar\r\n" {
		t.Fatalf("unexpected GET reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "GET missing", false)
	if lastReply(s) != "$-1\r\n" {
		t.Fatalf("unexpected GET miss reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "DEL foo", false)
	if lastReply(s) != ":1\r\n" {
		t.Fatalf("unexpected DEL reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "GET foo", false)
	if lastReply(s) != "$-1\r\n" {
		t.Fatalf("unexpected GET-after-DEL reply: %q", lastReply(s))
	}
}

func TestIncrSemantics(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "SET counter 10", false)
	d.Dispatch(s, txnState, "INCR counter", false)
	if lastReply(s) != ":11\r\n" {
		t.Fatalf("unexpected INCR reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "SET counter abc", false)
	d.Dispatch(s, txnState, "INCR counter", false)
	if lastReply(s) != "-ERR value is not an integer or out of range\r\n" {
		t.Fatalf("unexpected INCR error reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "INCR brand_new", false)
	if lastReply(s) != ":1\r\n" {
		t.Fatalf("unexpected INCR-on-missing reply: %q", lastReply(s))
	}
}

func TestTransactionFraming(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "MULTI", false)
	if lastReply(s) != "+OK\r\n" {
		t.Fatalf("unexpected MULTI reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "SET a 1", false)
	if lastReply(s) != "+QUEUED\r\n" {
		t.Fatalf("unexpected queue reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "SET b 2", false)
	if lastReply(s) != "+QUEUED\r\n" {
		t.Fatalf("unexpected queue reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "EXEC", false)
	if lastReply(s) != "*2\r\n+OK\r\n+OK\r\n" {
		t.Fatalf("unexpected EXEC reply: %q", lastReply(s))
	}
	if txnState.InTransaction() {
		t.Fatalf("expected IDLE after EXEC")
	}

	d.Dispatch(s, txnState, "GET a", false)
	if lastReply(s) != "$1\r\n1\r\n" {
		t.Fatalf("unexpected GET after EXEC: %q", lastReply(s))
	}
}

func TestNestedMultiReply(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "MULTI", false)
	d.Dispatch(s, txnState, "MULTI", false)
	if lastReply(s) != "-ERR MULTI calls can not be nested\r\n" {
		t.Fatalf("unexpected nested MULTI reply: %q", lastReply(s))
	}
}

func TestExecAbortsOnQueueingError(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "MULTI", false)
	txnState.MarkErrored()
	d.Dispatch(s, txnState, "EXEC", false)
	if lastReply(s) != "-EXECABORT Transaction discarded because of previous errors\r\n" {
		t.Fatalf("unexpected EXECABORT reply: %q", lastReply(s))
	}
}

func TestWriteCommandFeedsReplicationWhenPrimary(t *testing.T) {
	d, repl := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "SET foo bar", false)
	if len(repl.fed) != 1 || repl.fed[0] != "SET foo bar" {
		t.Fatalf("expected SET to be fed to replicas, got %v", repl.fed)
	}
	if d.ChangeCount() != 1 {
		t.Fatalf("expected change counter 1, got %d", d.ChangeCount())
	}

	d.Dispatch(s, txnState, "GET foo", false)
	if len(repl.fed) != 1 {
		t.Fatalf("expected read command not to be fed, got %v", repl.fed)
	}
}

func TestQueuedCommandsAreNotFedUntilExec(t *testing.T) {
	d, repl := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "MULTI", false)
	d.Dispatch(s, txnState, "SET a 1", false)
	if len(repl.fed) != 0 {
		t.Fatalf("expected no feed while queuing, got %v", repl.fed)
	}
	d.Dispatch(s, txnState, "EXEC", false)
	if len(repl.fed) != 1 || repl.fed[0] != "SET a 1" {
		t.Fatalf("expected replay to feed the queued write, got %v", repl.fed)
	}
}

func TestUnknownCommandAndArity(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "FROBNICATE", false)
	if lastReply(s) != "-ERR unknown command\r\n" {
		t.Fatalf("unexpected unknown command reply: %q", lastReply(s))
	}
	d.Dispatch(s, txnState, "GET", false)
	if lastReply(s) != "-ERR wrong number of arguments\r\n" {
		t.Fatalf("unexpected arity reply: %q", lastReply(s))
	}
}

func TestSilentDispatchSuppressesReply(t *testing.T) {
	d, _ := newTestDispatcher()
	s := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(s, txnState, "SET foo bar", true)
	if len(s.replies) != 0 {
		t.Fatalf("expected no reply written in silent mode, got %v", s.replies)
	}
	d.Dispatch(s, txnState, "GET foo", false)
	if lastReply(s) != "$3\r\nbar\r\n" {
		t.Fatalf("expected silent write to still mutate state, got %q", lastReply(s))
	}
}

func TestPubSubSubscribeAndPublish(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := &fakeSession{}
	pub := &fakeSession{}
	txnState := &txn.State{}

	d.Dispatch(sub, txnState, "SUBSCRIBE news", false)
	if len(sub.pushes) != 1 {
		t.Fatalf("expected one subscribe confirmation, got %d", len(sub.pushes))
	}

	d.Dispatch(pub, txnState, `PUBLISH news hello`, false)
	if lastReply(pub) != ":1\r\n" {
		t.Fatalf("unexpected PUBLISH reply: %q", lastReply(pub))
	}
	if len(sub.pushes) != 2 {
		t.Fatalf("expected subscriber to receive the published message, got %d pushes", len(sub.pushes))
	}
}
