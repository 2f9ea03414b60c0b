// ABOUTME: In-memory fan-out of session state transitions to waiting callers
// ABOUTME: Wakes agent waits and live transaction streams without store polling

package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

// Event announces that a record left its previous status.
type Event struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// Key is the subscription key for one record.
func Key(collection, id string) string {
	return collection + "/" + id
}

// Key returns the subscription key the event is delivered on.
func (e Event) Key() string {
	return Key(e.Collection, e.ID)
}

type subscriber struct {
	ch   chan Event
	stop func() bool
}

// Broadcaster provides in-process pub/sub keyed by record. Events are hints:
// a receiver always re-reads the record from the store.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // key -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "watch"),
	}
}

// Subscribe registers for events on key. The subscription ends when ctx is
// cancelled or Unsubscribe is called, whichever comes first; the channel is
// closed either way.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]*subscriber)
	}
	b.subscribers[key][subID] = sub
	sub.stop = context.AfterFunc(ctx, func() { b.Unsubscribe(key, subID) })
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)
	return sub.ch, subID
}

// Publish delivers the event to every subscriber of its key.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, event Event) error {
	b.deliver(event)
	return nil
}

// deliver sends under the read lock so Unsubscribe cannot close a channel
// mid-send. Sends never block.
func (b *Broadcaster) deliver(event Event) {
	key := event.Key()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, sub := range b.subscribers[key] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "key", key, "sub_id", subID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	if sub.stop != nil {
		sub.stop()
	}
	close(sub.ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions on key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, sub := range subs {
			if sub.stop != nil {
				sub.stop()
			}
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
	return nil
}
