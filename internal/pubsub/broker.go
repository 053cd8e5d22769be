// Package pubsub implements an in-process, typed publish/subscribe bus.
//
// A Broker[T] fans a payload of type T out to handlers registered per
// EventType. It is the single glue point between the watcher/runner
// subsystems and anything that wants to observe them (the SSE fan-out,
// the watch TUI, tests). Nothing here crosses a goroutine boundary on
// its own: Emit runs handlers synchronously, in the calling goroutine,
// in installation order.
package pubsub

import (
	"context"
	"sync"

	"github.com/dpaulsen/sessionrunner/internal/log"
)

// EventType names a class of payload delivered through a Broker.
type EventType string

// Handler receives one emitted payload. A handler that panics has its
// panic recovered and logged; it never prevents other handlers from
// running.
type Handler[T any] func(payload T)

// Subscription is the capability returned by Subscribe/SubscribeOnce.
// Calling Unsubscribe more than once is a no-op.
type Subscription interface {
	Unsubscribe()
}

type handlerEntry[T any] struct {
	id      uint64
	fn      Handler[T]
	once    bool
	removed bool
}

// Broker is a typed, single-process publish/subscribe registry.
// The zero value is not usable; construct with New.
type Broker[T any] struct {
	mu       sync.Mutex
	handlers map[EventType][]*handlerEntry[T]
	nextID   uint64
}

// New constructs an empty Broker.
func New[T any]() *Broker[T] {
	return &Broker[T]{
		handlers: make(map[EventType][]*handlerEntry[T]),
	}
}

type subscription[T any] struct {
	broker    *Broker[T]
	eventType EventType
	id        uint64
	once      sync.Once
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.eventType, s.id)
	})
}

// Subscribe installs handler into the regular handler set for eventType.
// It fires on every matching Emit until the returned Subscription is
// unsubscribed.
func (b *Broker[T]) Subscribe(eventType EventType, handler Handler[T]) Subscription {
	return b.install(eventType, handler, false)
}

// SubscribeOnce installs a handler that fires at most once. It is
// removed from the registry before being invoked, so a re-entrant Emit
// triggered from inside the handler never re-fires it.
func (b *Broker[T]) SubscribeOnce(eventType EventType, handler Handler[T]) Subscription {
	return b.install(eventType, handler, true)
}

func (b *Broker[T]) install(eventType EventType, handler Handler[T], once bool) Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	entry := &handlerEntry[T]{id: id, fn: handler, once: once}
	b.handlers[eventType] = append(b.handlers[eventType], entry)
	b.mu.Unlock()

	return &subscription[T]{broker: b, eventType: eventType, id: id}
}

func (b *Broker[T]) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[eventType]
	for i, e := range entries {
		if e.id == id {
			e.removed = true
			b.handlers[eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler registered for eventType, in
// installation order, using a snapshot of the handler list taken under
// lock. Once-handlers are removed from the registry before the snapshot
// is invoked. A handler panic is recovered, logged, and does not stop
// remaining handlers. Emit never blocks on I/O; it returns once every
// handler in the snapshot has returned.
func (b *Broker[T]) Emit(eventType EventType, payload T) {
	b.mu.Lock()
	live := b.handlers[eventType]
	snapshot := make([]*handlerEntry[T], 0, len(live))
	var remaining []*handlerEntry[T]
	for _, e := range live {
		snapshot = append(snapshot, e)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	b.handlers[eventType] = remaining
	b.mu.Unlock()

	for _, e := range snapshot {
		invoke(eventType, e, payload)
	}
}

func invoke[T any](eventType EventType, e *handlerEntry[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "handler panicked", "eventType", string(eventType), "panic", r)
		}
	}()
	e.fn(payload)
}

// ListenerCount returns the number of live handlers (regular and
// one-shot) registered for eventType.
func (b *Broker[T]) ListenerCount(eventType EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}

// RemoveAll clears handlers for the given event type, or every event
// type if none is given.
func (b *Broker[T]) RemoveAll(eventType ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventType) == 0 {
		b.handlers = make(map[EventType][]*handlerEntry[T])
		return
	}
	for _, et := range eventType {
		delete(b.handlers, et)
	}
}

// WaitFor blocks until the next payload emitted for eventType and
// returns it, or returns an error if ctx is cancelled first.
func (b *Broker[T]) WaitFor(ctx context.Context, eventType EventType) (T, error) {
	ch := make(chan T, 1)
	sub := b.SubscribeOnce(eventType, func(payload T) {
		select {
		case ch <- payload:
		default:
		}
	})

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		sub.Unsubscribe()
		var zero T
		return zero, ctx.Err()
	}
}
