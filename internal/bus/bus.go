// Package bus implements the hub's Event Bus: it fans out registry events
// to an unbounded set of subscribers, each with its own bounded buffer, so
// one slow consumer never stalls delivery to the others.
package bus

import (
	"sync"
	"sync/atomic"

	"hubd/registry"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 64

// Subscription is a long-lived observer handle. Events() is the channel to
// range over; Close unsubscribes and drops any undelivered buffered events.
type Subscription struct {
	id      uint64
	events  chan registry.Event
	bus     *Bus
	slow    atomic.Bool // set once the buffer has dropped at least one event
}

// Events returns the channel subscribers should range over.
func (s *Subscription) Events() <-chan registry.Event { return s.events }

// Slow reports whether this subscriber has ever had an event dropped.
func (s *Subscription) Slow() bool { return s.slow.Load() }

// Close unsubscribes s from the bus.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus publishes typed registry events to every active subscription.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
	next uint64 // subscriber id allocator

	seq atomic.Uint64 // global, monotonically increasing event sequence
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe adds a subscriber and immediately delivers a synthetic
// connection event carrying greeting.
func (b *Bus) Subscribe(greeting string) *Subscription {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &Subscription{
		id:     id,
		events: make(chan registry.Event, DefaultBufferSize),
		bus:    b,
	}
	b.subs[id] = sub
	b.mu.Unlock()

	sub.events <- registry.Event{
		Seq:      b.seq.Add(1),
		Type:     registry.EventConnection,
		Greeting: greeting,
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Publish delivers evt to every active subscriber. It is non-blocking from
// the publisher's perspective: a subscriber whose buffer is full has the
// event dropped for it and gets marked slow, but is never removed, and
// other subscribers are unaffected.
func (b *Bus) Publish(evt registry.Event) {
	evt.Seq = b.seq.Add(1)

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- evt:
		default:
			sub.slow.Store(true)
		}
	}
}

// SubscriberCount returns the number of active subscriptions, for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll terminates every subscription without a synthetic goodbye event,
// used on hub shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.events)
	}
}
