// Package events is a small typed listener registry for named event streams,
// such as a device's state changes or the events a service proxy relays.
package events

import (
	"sync"
)

// Listener receives one event payload.
type Listener[T any] func(payload T)

// AnyListener receives every event with its name.
type AnyListener[T any] func(event string, payload T)

type entry[T any] struct {
	id  uint64
	one Listener[T]
	any AnyListener[T]
}

// Emitter dispatches named events to registered listeners synchronously, in
// registration order. It is safe for concurrent use.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	named  map[string][]entry[T]
	all    []entry[T]
}

// New creates an empty emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{named: make(map[string][]entry[T])}
}

// On registers fn for event and returns a function that removes it.
func (e *Emitter[T]) On(event string, fn Listener[T]) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.named[event] = append(e.named[event], entry[T]{id: id, one: fn})
	return func() { e.remove(event, id) }
}

// OnAny registers fn for every event.
func (e *Emitter[T]) OnAny(fn AnyListener[T]) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.all = append(e.all, entry[T]{id: id, any: fn})
	return func() { e.remove("", id) }
}

func (e *Emitter[T]) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.all
	if event != "" {
		list = e.named[event]
	}
	for i, en := range list {
		if en.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if event != "" {
		e.named[event] = list
	} else {
		e.all = list
	}
}

// Emit delivers payload to the listeners of event, then to OnAny listeners.
// It returns how many listeners ran.
func (e *Emitter[T]) Emit(event string, payload T) int {
	e.mu.RLock()
	named := e.named[event]
	all := e.all
	e.mu.RUnlock()

	for _, en := range named {
		en.one(payload)
	}
	for _, en := range all {
		en.any(event, payload)
	}
	return len(named) + len(all)
}

// ListenerCount returns the listeners registered for event, excluding OnAny.
func (e *Emitter[T]) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.named[event])
}
