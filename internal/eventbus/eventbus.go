// Package eventbus provides the in-process fan-out used to decouple the
// control loop and the battery engines from observers such as log
// subscribers. Publishers never block: a subscriber that cannot keep up
// loses events rather than stalling a control cycle.
package eventbus

import "sync"

// Event is an arbitrary payload carried on the untyped bus.
type Event interface{}

// EventBus is the publish/subscribe surface the services depend on.
type EventBus interface {
	Publish(Event)
	Subscribe() <-chan Event
	Unsubscribe(<-chan Event)
	Close()
}

// subBuffer is the per-subscriber channel depth. Bursts larger than this
// drop events for that subscriber only.
const subBuffer = 16

// TypedBus fans events of type T out to any number of subscribers.
// The zero value is not usable; construct with NewTyped.
type TypedBus[T any] struct {
	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

// NewTyped returns an empty bus for events of type T.
func NewTyped[T any]() *TypedBus[T] { return &TypedBus[T]{} }

// Publish delivers e to every current subscriber without blocking.
// Publishing on a closed bus is a no-op.
func (b *TypedBus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe adds a subscriber and returns its receive channel. The channel
// is closed when the subscriber is removed or the bus shuts down; on an
// already closed bus the returned channel is closed immediately.
func (b *TypedBus[T]) Subscribe() <-chan T {
	ch := make(chan T, subBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches sub and closes its channel. Unknown channels are
// ignored.
func (b *TypedBus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Further
// publishes are dropped; Close is idempotent.
func (b *TypedBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Bus is the untyped bus the controller and node services publish their
// lifecycle events on. It is a TypedBus carrying bare Events.
type Bus = TypedBus[Event]

// New returns an empty untyped Bus.
func New() *Bus { return NewTyped[Event]() }
