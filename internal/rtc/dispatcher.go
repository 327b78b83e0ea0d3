package rtc

import "sync"

// Dispatcher implements the subscription half of the Engine interface. It is
// embedded by engine implementations and by test fakes.
type Dispatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventKind]map[int]func(Event)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[EventKind]map[int]func(Event))}
}

// On registers a handler and returns its unsubscribe handle.
func (d *Dispatcher) On(kind EventKind, fn func(Event)) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.subs[kind] == nil {
		d.subs[kind] = make(map[int]func(Event))
	}
	d.subs[kind][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs[kind], id)
	}
}

// HandlerCount reports the number of handlers registered for a kind.
func (d *Dispatcher) HandlerCount(kind EventKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[kind])
}

// Emit delivers an event to every handler registered for its kind. Handlers
// run synchronously in the caller's goroutine so event order is preserved.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.Lock()
	handlers := make([]func(Event), 0, len(d.subs[ev.Kind]))
	for _, fn := range d.subs[ev.Kind] {
		handlers = append(handlers, fn)
	}
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
