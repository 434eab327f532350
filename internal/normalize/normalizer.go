// Package normalize turns storefront data-layer events into conversions.
//
// A Normalizer watches a bus.DataLayer, recognizes events whose name is on
// its allow-list and that carry an order id, and emits exactly one
// conversion.Event per recognized bus event. Malformed events are logged
// and dropped.
package normalize

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/convtrack/internal/bus"
	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/session"
)

// Sink receives normalized conversions.
type Sink func(ctx context.Context, ev conversion.Event)

// Snapshotter supplies the attribution in effect at normalization time.
// attribution.Store satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context) conversion.Snapshot
}

// Normalizer recognizes conversions on the bus.
type Normalizer struct {
	mu      sync.RWMutex
	names   []string
	sale    map[string]struct{}
	mapping Mapping

	side   session.Storage
	attrib Snapshotter
	sink   Sink
	logger *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMapping overrides the field paths. Empty fields keep their defaults.
func WithMapping(m Mapping) Option {
	return func(n *Normalizer) { n.mapping = m.Merge(DefaultMapping()) }
}

// WithEventNames replaces the allow-list.
func WithEventNames(names ...string) Option {
	return func(n *Normalizer) {
		n.names = nil
		for _, name := range names {
			n.addName(name)
		}
	}
}

// WithSaleEventNames replaces the set of names classified as sales.
func WithSaleEventNames(names ...string) Option {
	return func(n *Normalizer) {
		n.sale = make(map[string]struct{}, len(names))
		for _, name := range names {
			n.sale[name] = struct{}{}
		}
	}
}

// WithSideChannel enables the one-shot enrichment keys. A nil storage
// leaves them untouched.
func WithSideChannel(s session.Storage) Option {
	return func(n *Normalizer) { n.side = s }
}

// WithAttribution attaches the attribution snapshot source.
func WithAttribution(s Snapshotter) Option {
	return func(n *Normalizer) { n.attrib = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a Normalizer that emits into sink.
func New(sink Sink, opts ...Option) *Normalizer {
	n := &Normalizer{
		mapping: DefaultMapping(),
		sink:    sink,
		logger:  slog.Default(),
	}
	WithEventNames(DefaultEventNames...)(n)
	WithSaleEventNames(DefaultSaleEventNames...)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddEventName allows name. Adding a name twice is a no-op.
func (n *Normalizer) AddEventName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addName(name)
}

func (n *Normalizer) addName(name string) {
	name = strings.TrimSpace(name)
	if name == "" || slices.Contains(n.names, name) {
		return
	}
	n.names = append(n.names, name)
}

// RemoveEventName drops name from the allow-list.
func (n *Normalizer) RemoveEventName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = slices.DeleteFunc(n.names, func(s string) bool { return s == name })
}

// EventNames returns the allow-list in insertion order.
func (n *Normalizer) EventNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.names)
}

// Attach subscribes to d. Events already on the bus are replayed first.
func (n *Normalizer) Attach(ctx context.Context, d *bus.DataLayer) {
	d.Subscribe(func(ev bus.Event) {
		n.Observe(ctx, ev)
	})
}

// Observe handles one bus event and reports whether a conversion was
// emitted.
func (n *Normalizer) Observe(ctx context.Context, ev bus.Event) bool {
	n.mu.RLock()
	m := n.mapping
	names := n.names
	sale := n.sale
	n.mu.RUnlock()

	raw, _ := Lookup(ev, m.EventName)
	name, ok := raw.(string)
	if !ok || !slices.Contains(names, name) {
		return false
	}
	orderRaw, _ := Lookup(ev, m.OrderID)
	orderID, ok := asString(orderRaw)
	if !ok {
		n.logger.Debug("conversion event without order id", "event", name)
		return false
	}

	total, _ := Lookup(ev, m.Amount)
	currency, _ := Lookup(ev, m.Currency)
	items, hasItems := Lookup(ev, m.Items)
	in := input{
		kind:     kindFor(name, sale),
		orderID:  orderID,
		total:    total,
		currency: currency,
		items:    items,
		hasItems: hasItems,
		itemMap:  m.Item,
		source:   name,
	}
	return n.emit(ctx, in)
}

// Manual carries values read from a storefront data source.
type Manual struct {
	Kind     conversion.Kind
	OrderID  any
	Amount   any
	Currency any
	// Items are in wire shape: {id, price, quantity, sku}.
	Items any
}

// Submit normalizes a manually triggered conversion through the same path
// as bus events. A missing kind means Sale.
func (n *Normalizer) Submit(ctx context.Context, m Manual) bool {
	orderID, ok := asString(m.OrderID)
	if !ok {
		n.logger.Warn("manual trigger without order id")
		return false
	}
	kind := m.Kind
	if kind == "" {
		kind = conversion.KindSale
	}
	in := input{
		kind:     kind,
		orderID:  orderID,
		total:    m.Amount,
		currency: m.Currency,
		items:    m.Items,
		hasItems: m.Items != nil,
		itemMap:  WireItemMapping(),
	}
	return n.emit(ctx, in)
}

type input struct {
	kind     conversion.Kind
	orderID  string
	total    any
	currency any
	items    any
	hasItems bool
	itemMap  ItemMapping
	source   string
}

func (n *Normalizer) emit(ctx context.Context, in input) bool {
	ev, err := n.build(in)
	if err != nil {
		n.logger.Warn("dropping malformed conversion",
			"order_id", in.orderID, "event", in.source, "error", err)
		return false
	}
	x := takeExtras(n.side, n.logger)
	ev.PromoCode = x.PromoCode
	ev.ActionCode = x.ActionCode
	ev.TariffCodes = x.TariffCodes
	if n.attrib != nil {
		ev.Attribution = n.attrib.Snapshot(ctx)
	}
	n.logger.Debug("conversion recognized",
		"order_id", ev.OrderID, "kind", ev.Kind, "amount", conversion.FormatDecimal(&ev.Amount))
	if n.sink != nil {
		n.sink(ctx, ev)
	}
	return true
}

var arith = apd.BaseContext.WithPrecision(34)

func (n *Normalizer) build(in input) (conversion.Event, error) {
	ev := conversion.Event{
		Kind:        in.kind,
		OrderID:     in.orderID,
		SourceEvent: in.source,
	}
	if c, ok := asString(in.currency); ok {
		ev.Currency = strings.ToUpper(c)
	}

	items, err := parseItems(in.items, in.hasItems, in.itemMap)
	if err != nil {
		return ev, err
	}
	ev.LineItems = items

	sum := new(apd.Decimal)
	for i := range items {
		var line apd.Decimal
		if _, err := arith.Mul(&line, &items[i].UnitPrice, apd.New(items[i].Quantity, 0)); err != nil {
			return ev, malformed("items", "line total overflow", err)
		}
		if _, err := arith.Add(sum, sum, &line); err != nil {
			return ev, malformed("items", "sum overflow", err)
		}
	}
	if sum.Sign() > 0 {
		ev.Amount.Set(sum)
		return ev, nil
	}
	if in.total == nil {
		return ev, nil
	}
	total, err := asDecimal(in.total)
	if err != nil {
		return ev, malformed("amount", "not a number", err)
	}
	if total.Sign() < 0 {
		return ev, malformed("amount", "must not be negative", nil)
	}
	ev.Amount.Set(total)
	return ev, nil
}

func parseItems(raw any, present bool, m ItemMapping) ([]conversion.LineItem, error) {
	if !present || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]map[string]any); ok {
			list = make([]any, len(typed))
			for i := range typed {
				list[i] = typed[i]
			}
		} else {
			return nil, malformed("items", "not a list", nil)
		}
	}
	out := make([]conversion.LineItem, 0, len(list))
	for i, v := range list {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, malformed("items", "item is not an object", nil)
		}
		li, err := parseItem(obj, m)
		if err != nil {
			err.Field = "items[" + strconv.Itoa(i) + "]." + err.Field
			return nil, err
		}
		out = append(out, li)
	}
	return out, nil
}

func parseItem(obj map[string]any, m ItemMapping) (conversion.LineItem, *MalformedError) {
	var li conversion.LineItem
	id, _ := Lookup(obj, m.ID)
	li.ID, _ = asString(id)
	sku, _ := Lookup(obj, m.SKU)
	li.SKU, _ = asString(sku)

	if raw, ok := Lookup(obj, m.Price); ok {
		price, err := asDecimal(raw)
		if err != nil {
			return li, malformed("price", "not a number", err)
		}
		if price.Sign() < 0 {
			return li, malformed("price", "must not be negative", nil)
		}
		li.UnitPrice.Set(price)
	}

	li.Quantity = 1
	if raw, ok := Lookup(obj, m.Quantity); ok {
		q, err := asQuantity(raw)
		if err != nil {
			return li, malformed("quantity", "not an integer", err)
		}
		if q <= 0 {
			return li, malformed("quantity", "must be positive", nil)
		}
		li.Quantity = q
	}
	return li, nil
}
