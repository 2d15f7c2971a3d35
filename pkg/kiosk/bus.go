package kiosk

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind names a kiosk event on the wire and on the SSE stream.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionEnded   EventKind = "session_ended"
	EventItemAccepted   EventKind = "item_accepted"
	EventItemRejected   EventKind = "item_rejected"
	EventStatusChanged  EventKind = "status_changed"
	EventBinFull        EventKind = "bin_full"
	EventError          EventKind = "error"
)

// Event is one kiosk notification. Events are only published from the control
// loop, so every subscriber sees them in loop order.
type Event struct {
	Kind        EventKind `json:"kind"`
	SessionCode string    `json:"sessionCode,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// Subscription is one consumer of an [EventBus]. C is closed on
// [EventBus.Unsubscribe] or [EventBus.Close].
type Subscription struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were lost because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// EventBus delivers kiosk events to the status API and tests. Publish never
// blocks: the control loop must keep running when a consumer stalls, so an
// event that does not fit a subscriber's buffer is dropped for that
// subscriber and counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer with room for size pending events. On a
// closed bus the returned subscription is already closed.
func (b *EventBus) Subscribe(size int) *Subscription {
	ch := make(chan Event, size)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}

	return sub
}

// Unsubscribe detaches sub. Calling it twice is harmless.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish hands e to every subscriber that has buffer room.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close detaches every subscriber so consumers ranging over C return. Later
// publishes are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of attached consumers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
