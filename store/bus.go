package store

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// MsgCacheInvalidate is the one message type carried on the bus.
const MsgCacheInvalidate = "cache-invalidate"

// Invalidation tells sibling cache instances that an entry changed and
// must not be served from their local copies anymore.
type Invalidation struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

const subscriberBuffer = 16

// Bus fans invalidation messages out to every subscribed cache instance.
// Delivery is asynchronous and best-effort: a subscriber that stops
// draining its channel loses messages rather than blocking publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Invalidation
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Invalidation)}
}

// Subscribe registers id and returns its delivery channel.
func (b *Bus) Subscribe(id string) <-chan Invalidation {
	ch := make(chan Invalidation, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes id and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers msg to every subscriber, including the publisher's
// own channel. Receivers filter on Origin.
func (b *Bus) Publish(msg Invalidation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("subscriber", id).Str("key", msg.Key).Msg("Dropping invalidation, subscriber not draining")
		}
	}
}
