package chatcore

import (
	"sync"
)

type callback[V any] func(V)

type listenerEntry[V any] struct {
	id int
	fn callback[V]
}

// EventEmitter is a simple callback-based event bus. It maps events (of type
// K) to listeners invoked synchronously and in registration order. Each
// instance has its own lifecycle; there is no process-wide registry.
type EventEmitter[K comparable, V any] struct {
	lock      sync.RWMutex
	nextID    int
	listeners map[K][]listenerEntry[V]
}

// NewEventEmitter creates a new EventEmitter and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitter[K, V] {
	return &EventEmitter[K, V]{
		listeners: make(map[K][]listenerEntry[V]),
	}
}

// On registers a new listener for the given event and returns an id usable
// with Off.
func (e *EventEmitter[K, V]) On(event K, listener func(V)) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextID++
	e.listeners[event] = append(e.listeners[event], listenerEntry[V]{id: e.nextID, fn: listener})
	return e.nextID
}

// Off removes the listener registered under id for the given event.
func (e *EventEmitter[K, V]) Off(event K, id int) {
	e.lock.Lock()
	defer e.lock.Unlock()

	entries := e.listeners[event]
	for i, entry := range entries {
		if entry.id == id {
			e.listeners[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emit triggers all listeners registered for the given event synchronously,
// in the order they were registered. Emitting after Close is a no-op.
func (e *EventEmitter[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	entries, found := e.listeners[event]
	if !found {
		e.lock.RUnlock()
		return
	}
	snapshot := make([]listenerEntry[V], len(entries))
	copy(snapshot, entries)
	e.lock.RUnlock()

	for _, entry := range snapshot {
		entry.fn(data)
	}
}

// Close removes all listeners to prevent callbacks firing against a disposed
// owner.
func (e *EventEmitter[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]listenerEntry[V])
}
