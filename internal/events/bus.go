package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBuffer bounds each subscriber's backlog
const subscriberBuffer = 100

// Bus fans events out to subscribers. Publishing never blocks: a full
// subscriber misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe creates a new subscription channel for events
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish emits an event to all subscribers. A nil bus discards it.
func (b *Bus) Publish(event *Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts down the bus and closes every subscription
func (b *Bus) Close() {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for full subscribers
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Stream subscribes with filter and delivers matching events until ctx is
// done or the bus closes. The returned channel is closed when streaming
// stops.
func (b *Bus) Stream(ctx context.Context, name string, filter EventFilter) <-chan *Event {
	ch := b.Subscribe(name)
	out := make(chan *Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer b.Unsubscribe(ch)

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
