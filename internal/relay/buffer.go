// Package relay carries pending bus events across a full page navigation,
// such as a round trip through an external payment page.
//
// Events are stashed in page-scoped storage under a fixed key and drained
// back onto the bus at the start of the next page load. The key is deleted
// before anything is parsed or re-pushed, so a failure while replaying can
// never cause the same events to be redelivered on the following load.
package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/roach88/convtrack/internal/bus"
	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/session"
)

// Key is the session slot holding pending events.
const Key = "adt_dataLayerEvent"

// DefaultMaxPending bounds the queue.
const DefaultMaxPending = 8

// Buffer is a bounded FIFO of pending bus events.
type Buffer struct {
	storage session.Storage
	max     int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxPending overrides DefaultMaxPending. Values below 1 are ignored.
func WithMaxPending(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records stash, drain, evict and corrupt counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// New returns a Buffer over storage.
func New(storage session.Storage, opts ...Option) *Buffer {
	b := &Buffer{
		storage: storage,
		max:     DefaultMaxPending,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stash appends ev to the queue. When the queue is full the oldest event is
// evicted. It reports whether ev was stored.
func (b *Buffer) Stash(ev bus.Event) bool {
	if ev == nil {
		return false
	}
	pending := b.Pending()
	pending = append(pending, ev)
	if over := len(pending) - b.max; over > 0 {
		b.logger.Warn("relay queue full, evicting oldest events", "evicted", over, "max", b.max)
		b.metrics.Relay("evict", over)
		pending = pending[over:]
	}
	data, err := json.Marshal(pending)
	if err != nil {
		b.logger.Error("relay event not serializable", "error", err)
		return false
	}
	b.storage.Set(Key, string(data))
	b.metrics.Relay("stash", 1)
	b.logger.Debug("event stashed for next page load", "event", ev["event"], "pending", len(pending))
	return true
}

// Pending returns the stashed events without consuming them.
func (b *Buffer) Pending() []bus.Event {
	raw, ok := b.storage.Get(Key)
	if !ok {
		return nil
	}
	events, err := decode(raw)
	if err != nil {
		b.logger.Warn("discarding corrupt relay queue", "error", err)
		b.metrics.Relay("corrupt", 1)
		return nil
	}
	return events
}

// Drain removes the queue and pushes its events onto d in FIFO order. It
// returns the number of events pushed.
func (b *Buffer) Drain(d *bus.DataLayer) int {
	raw, ok := session.Take(b.storage, Key)
	if !ok {
		return 0
	}
	events, err := decode(raw)
	if err != nil {
		b.logger.Warn("discarding corrupt relay queue", "error", err)
		b.metrics.Relay("corrupt", 1)
		return 0
	}
	for _, ev := range events {
		d.Push(ev)
	}
	b.metrics.Relay("drain", len(events))
	if len(events) > 0 {
		b.logger.Debug("replayed pending events", "count", len(events))
	}
	return len(events)
}

// decode accepts a JSON array of events, or a single event object as
// written by older single-slot versions.
func decode(raw string) ([]bus.Event, error) {
	if raw == "" {
		return nil, nil
	}
	var events []bus.Event
	if err := json.Unmarshal([]byte(raw), &events); err == nil {
		return compact(events), nil
	}
	var single bus.Event
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, err
	}
	return compact([]bus.Event{single}), nil
}

func compact(events []bus.Event) []bus.Event {
	out := events[:0]
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out
}
