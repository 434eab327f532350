package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/normalize"
)

// DataSource supplies conversion fields on pages without a data layer. Nil
// getters are treated as absent.
type DataSource struct {
	OrderID  func() any
	Amount   func() any
	Currency func() any
	Items    func() any
	Kind     func() conversion.Kind
}

// Submitter accepts manually gathered conversions. normalize.Normalizer
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, m normalize.Manual) bool
}

// ManualTrigger is the entry point for storefronts that report
// conversions explicitly.
type ManualTrigger struct {
	mu     sync.Mutex
	ds     DataSource
	sub    Submitter
	logger *slog.Logger
}

// NewManualTrigger wires a trigger to sub.
func NewManualTrigger(sub Submitter, logger *slog.Logger) *ManualTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualTrigger{sub: sub, logger: logger}
}

// Configure merges the non-nil getters of ds into the current source.
func (t *ManualTrigger) Configure(ds DataSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ds.OrderID != nil {
		t.ds.OrderID = ds.OrderID
	}
	if ds.Amount != nil {
		t.ds.Amount = ds.Amount
	}
	if ds.Currency != nil {
		t.ds.Currency = ds.Currency
	}
	if ds.Items != nil {
		t.ds.Items = ds.Items
	}
	if ds.Kind != nil {
		t.ds.Kind = ds.Kind
	}
}

// Trigger reads the data source and submits the result. A panicking
// getter is logged and the trigger reports false.
func (t *ManualTrigger) Trigger(ctx context.Context) (ok bool) {
	t.mu.Lock()
	ds := t.ds
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("manual trigger data source panicked", "panic", r)
			ok = false
		}
	}()

	m := normalize.Manual{
		OrderID:  call(ds.OrderID),
		Amount:   call(ds.Amount),
		Currency: call(ds.Currency),
		Items:    call(ds.Items),
	}
	if ds.Kind != nil {
		m.Kind = ds.Kind()
	}
	t.logger.Debug("manual trigger", "order_id", m.OrderID)
	return t.sub.Submit(ctx, m)
}

func call(fn func() any) any {
	if fn == nil {
		return nil
	}
	return fn()
}
