// Package pubsub implements CrimsonCache's channel fan-out registry:
// subscribe, unsubscribe, publish, and disconnect cleanup, all serialized
// under a single registry-wide mutex (spec §4.G).
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// minFanoutBurst bounds how many subscriber deliveries Publish may make
// without waiting; beyond that, deliveries are paced at fanoutRate. The
// wait happens inside Publish with the registry mutex held, so pacing
// delays other registry operations rather than freeing the mutex.
// New sizes the real burst to at least maxClients, since
// rate.Limiter.WaitN errors out immediately rather than waiting whenever
// n exceeds the burst — a channel with more subscribers than the burst
// would otherwise silently stop being paced on every publish.
const minFanoutBurst = 512
const fanoutRate = rate.Limit(50000)

// Subscriber is anything that can receive a RESP-framed pub/sub message.
// Command sessions implement this; the registry never assumes more about
// its subscribers than that they're comparable and can accept bytes.
type Subscriber interface {
	SendPubSub(msg []byte)
}

type channel struct {
	name        string
	subscribers map[Subscriber]struct{}
}

// Registry is the channel → subscribers map plus the fan-out operations
// over it. The zero value is not usable; use New.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel
	fanout   *rate.Limiter
	logger   zerolog.Logger
}

// New creates an empty registry. Its fan-out limiter's burst is sized to
// cover maxClients subscribers in one go, so a channel with every
// connected client subscribed still gets a real wait rather than an
// instant WaitN error.
func New(logger zerolog.Logger, maxClients int) *Registry {
	burst := minFanoutBurst
	if maxClients > burst {
		burst = maxClients
	}
	return &Registry{
		channels: make(map[string]*channel),
		fanout:   rate.NewLimiter(fanoutRate, burst),
		logger:   logger,
	}
}

func (r *Registry) findOrCreate(name string) *channel {
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{name: name, subscribers: make(map[Subscriber]struct{})}
		r.channels[name] = ch
	}
	return ch
}

// Subscribe adds client to each named channel (find-or-create), skipping
// channels it already belongs to, and sends one confirmation message per
// channel with a 1-based index counting this call's successful
// subscriptions (spec §4.G).
func (r *Registry) Subscribe(client Subscriber, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for _, name := range names {
		ch := r.findOrCreate(name)
		if _, already := ch.subscribers[client]; !already {
			ch.subscribers[client] = struct{}{}
		}
		i++
		client.SendPubSub(subscribeReply(name, i))
	}
}

// Unsubscribe removes client from each named channel. With zero names, it
// removes client from every channel it belongs to; if it belonged to none,
// a single confirmation with a null channel name is sent.
func (r *Registry) Unsubscribe(client Subscriber, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		removed := 0
		for _, ch := range r.channels {
			if _, ok := ch.subscribers[client]; ok {
				delete(ch.subscribers, client)
				removed++
				client.SendPubSub(unsubscribeReply(ch.name, 0))
			}
		}
		if removed == 0 {
			client.SendPubSub(unsubscribeNullReply())
		}
		return
	}

	for _, name := range names {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if _, subscribed := ch.subscribers[client]; subscribed {
			delete(ch.subscribers, client)
			client.SendPubSub(unsubscribeReply(name, 0))
		}
	}
}

// Publish fans a message out to every subscriber of channel, returning the
// count of subscribers it was written to.
func (r *Registry) Publish(channelName, message string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelName]
	if !ok {
		return 0
	}
	msg := publishReply(channelName, message)
	if n := len(ch.subscribers); n > 0 {
		if err := r.fanout.WaitN(context.Background(), n); err != nil {
			r.logger.Warn().Err(err).Str("channel", channelName).Int("subscribers", n).
				Msg("fan-out pacing skipped, publishing unpaced")
		}
	}
	for sub := range ch.subscribers {
		sub.SendPubSub(msg)
	}
	return len(ch.subscribers)
}

// RemoveClient strips client from every channel it belongs to. Called on
// disconnect.
func (r *Registry) RemoveClient(client Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		delete(ch.subscribers, client)
	}
}

func subscribeReply(name string, index int) []byte {
	return []byte(fmt.Sprintf("*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:%d\r\n", len(name), name, index))
}

func unsubscribeReply(name string, remaining int) []byte {
	return []byte(fmt.Sprintf("*3\r\n$11\r\nunsubscribe\r\n$%d\r\n%s\r\n:%d\r\n", len(name), name, remaining))
}

func unsubscribeNullReply() []byte {
	return []byte("*3\r\n$11\r\nunsubscribe\r\n$-1\r\n:0\r\n")
}

func publishReply(channelName, message string) []byte {
	return []byte(fmt.Sprintf("*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
		len(channelName), channelName, len(message), message))
}
