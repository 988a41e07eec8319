package server

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds the per-subscriber event queue. A subscriber
// that falls this far behind starts losing events rather than blocking
// the broadcaster.
const subscriberBuffer = 64

// Broadcaster fans events out to SSE subscribers. Delivery is best
// effort: a full subscriber channel drops the event for that subscriber
// only.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	logger *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[chan []byte]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber channel.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber. The channel is not closed; the
// subscriber simply stops receiving.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Broadcast serializes the event once and queues it to every subscriber.
func (b *Broadcaster) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("unserializable sse event", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
			// Slow subscriber; drop rather than stall the run.
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
