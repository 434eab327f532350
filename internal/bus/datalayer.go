// Package bus implements the storefront's shared data layer: an ordered,
// append-only sequence of loosely structured events that any script on the
// page may push to and observe.
//
// Observers register with Subscribe. A new subscriber first receives every
// event already on the bus, then every later push, in append order and with
// no event skipped or repeated. Pushes issued from inside a subscriber
// callback are queued behind the event being dispatched rather than
// delivered recursively.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one data layer entry. Fields are whatever the pushing script
// chose; by convention the "event" field names the event.
type Event = map[string]any

// Subscriber observes bus events.
type Subscriber func(Event)

// DataLayer is the shared bus. The zero value is not usable; use New.
//
// Dispatch is serialized: exactly one goroutine at a time runs queued
// tasks. A Push from another goroutine while dispatch is in progress
// returns once its event is queued; the dispatching goroutine delivers it.
type DataLayer struct {
	mu          sync.Mutex
	history     []Event
	subs        []Subscriber
	queue       []func()
	dispatching bool
	logger      *slog.Logger
}

// New returns a bus preloaded with events that were pushed before any
// tracker code ran.
func New(initial ...Event) *DataLayer {
	d := &DataLayer{logger: slog.Default()}
	d.history = append(d.history, initial...)
	return d
}

// SetLogger overrides slog.Default for subscriber panics.
func (d *DataLayer) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.logger = l
	d.mu.Unlock()
}

// Push appends ev and notifies subscribers.
func (d *DataLayer) Push(ev Event) {
	d.enqueue(func() {
		d.mu.Lock()
		d.history = append(d.history, ev)
		subs := append([]Subscriber(nil), d.subs...)
		d.mu.Unlock()
		for _, fn := range subs {
			d.call(fn, ev)
		}
	})
}

// Subscribe replays the history to fn and then registers it for future
// pushes.
func (d *DataLayer) Subscribe(fn Subscriber) {
	d.enqueue(func() {
		d.mu.Lock()
		past := append([]Event(nil), d.history...)
		d.mu.Unlock()
		for _, ev := range past {
			d.call(fn, ev)
		}
		d.mu.Lock()
		d.subs = append(d.subs, fn)
		d.mu.Unlock()
	})
}

// Len returns the number of events dispatched so far.
func (d *DataLayer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// Events returns a copy of the dispatched history.
func (d *DataLayer) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.history...)
}

func (d *DataLayer) enqueue(task func()) {
	d.mu.Lock()
	d.queue = append(d.queue, task)
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		next()
		d.mu.Lock()
	}
	d.dispatching = false
	d.mu.Unlock()
}

func (d *DataLayer) call(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			l := d.logger
			d.mu.Unlock()
			l.Error("data layer subscriber panicked", "panic", r, "event", ev["event"])
		}
	}()
	fn(ev)
}
