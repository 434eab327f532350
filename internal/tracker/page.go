package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/roach88/convtrack/internal/attribution"
	"github.com/roach88/convtrack/internal/bus"
	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/delivery"
	"github.com/roach88/convtrack/internal/normalize"
	"github.com/roach88/convtrack/internal/relay"
	"github.com/roach88/convtrack/internal/signal"
)

// Outcome is the result of one delivery attempt made from a page.
type Outcome struct {
	OrderID   string
	Kind      conversion.Kind
	Delivered bool
}

// Page is one page load. Fields are set during Load and not changed
// afterwards.
type Page struct {
	ID       string
	URL      *url.URL
	Decision signal.Decision

	Bus        *bus.DataLayer
	Store      *attribution.Store
	Normalizer *normalize.Normalizer
	Pipeline   *delivery.Pipeline
	Trigger    *delivery.ManualTrigger
	// Relay is nil when session storage is disabled.
	Relay *relay.Buffer

	Logger *slog.Logger

	tab    *Tab
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	conversions []conversion.Event
	outcomes    []Outcome
	drained     int
}

// Load navigates the tab to rawURL. initial events are already on the
// page's data layer when the tracker starts, as if pushed by inline
// scripts above it.
//
// Within the load the order is fixed: signals are extracted, session init
// is started, pending events are drained onto the bus, and then the
// normalizer subscribes and replays the bus history.
func (t *Tab) Load(ctx context.Context, rawURL string, initial ...bus.Event) (*Page, error) {
	b := t.browser
	u, err := signal.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("page url %q has no host", rawURL)
	}

	p := &Page{
		ID:  b.ids.Generate(),
		URL: u,
		tab: t,
	}
	q := u.Query()
	handler := b.logger.Handler()
	if q.Has(signal.ParamDebug) {
		handler = withMinLevel(handler, slog.LevelDebug)
	}
	p.Logger = slog.New(handler).With("page_id", p.ID)
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.Store = attribution.NewStore(b.jar, u.Host,
		attribution.WithTTL(b.cfg.CookieTTL),
		attribution.WithClock(b.clock.Now),
		attribution.WithLogger(p.Logger),
	)
	p.Bus = bus.New(initial...)
	p.Bus.SetLogger(p.Logger)
	dcfg := b.cfg.Delivery
	dcfg.CollectorURL = resolveEndpoint(u, dcfg.CollectorURL, delivery.DefaultCollectorPath)
	dcfg.InitURL = resolveEndpoint(u, dcfg.InitURL, delivery.DefaultInitPath)
	p.Pipeline = delivery.New(dcfg, b.client,
		delivery.WithLogger(p.Logger),
		delivery.WithMetrics(b.metrics),
	)

	opts := []normalize.Option{
		normalize.WithAttribution(p.Store),
		normalize.WithLogger(p.Logger),
		normalize.WithMapping(b.cfg.Mapping),
	}
	if len(b.cfg.EventNames) > 0 {
		opts = append(opts, normalize.WithEventNames(b.cfg.EventNames...))
	}
	if len(b.cfg.SaleEventNames) > 0 {
		opts = append(opts, normalize.WithSaleEventNames(b.cfg.SaleEventNames...))
	}
	if b.cfg.UseSessionStorage {
		opts = append(opts, normalize.WithSideChannel(t.storage))
		p.Relay = relay.New(t.storage,
			relay.WithMaxPending(b.cfg.MaxPending),
			relay.WithLogger(p.Logger),
			relay.WithMetrics(b.metrics),
		)
	}
	p.Normalizer = normalize.New(p.deliver, opts...)
	p.Trigger = delivery.NewManualTrigger(p.Normalizer, p.Logger)

	p.Logger.Debug("page load", "host", u.Host, "path", u.Path)

	ex := signal.NewExtractor(b.cfg.Rules, b.cfg.Policy, p.Logger)
	ex.SetClock(b.clock.Now)
	p.Decision = ex.Extract(p.ctx, u, p.Store)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Pipeline.SessionInit(p.ctx, q)
	}()

	if p.Relay != nil {
		p.drained = p.Relay.Drain(p.Bus)
	}
	p.Normalizer.Attach(p.ctx, p.Bus)
	return p, nil
}

// deliver is the normalizer sink. The delivery latch is taken here, in
// bus order; the request itself runs in the background.
func (p *Page) deliver(_ context.Context, ev conversion.Event) {
	p.mu.Lock()
	p.conversions = append(p.conversions, ev)
	p.mu.Unlock()

	p.Pipeline.Go(p.ctx, ev, func(ok bool) {
		p.mu.Lock()
		p.outcomes = append(p.outcomes, Outcome{OrderID: ev.OrderID, Kind: ev.Kind, Delivered: ok})
		p.mu.Unlock()
	})
}

// Push appends ev to the page's data layer.
func (p *Page) Push(ev bus.Event) {
	p.Bus.Push(ev)
}

// Configure registers manual data source getters.
func (p *Page) Configure(ds delivery.DataSource) {
	p.Trigger.Configure(ds)
}

// TriggerPurchase submits the configured data source.
func (p *Page) TriggerPurchase() bool {
	return p.Trigger.Trigger(p.ctx)
}

// Stash saves ev for the next page load in this tab. It reports false
// when session storage is disabled.
func (p *Page) Stash(ev bus.Event) bool {
	if p.Relay == nil {
		p.Logger.Debug("session storage disabled, event not stashed")
		return false
	}
	return p.Relay.Stash(ev)
}

// Drained returns how many carried-forward events were replayed on load.
func (p *Page) Drained() int {
	return p.drained
}

// Wait blocks until every background request of this page has finished or
// ctx ends.
func (p *Page) Wait(ctx context.Context) error {
	select {
	case <-p.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unload gives in-flight requests the grace window to finish, then tears
// the page down regardless. It reports whether everything finished in
// time.
func (p *Page) Unload(ctx context.Context) bool {
	b := p.tab.browser
	finished := delivery.Grace(ctx, b.clock, b.cfg.GraceWindow, p.idle())
	if !finished {
		p.Logger.Warn("navigating away with requests in flight")
	}
	p.cancel()
	return finished
}

func (p *Page) idle() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		<-p.Pipeline.Idle()
		close(done)
	}()
	return done
}

// Conversions returns the conversions recognized on this page.
func (p *Page) Conversions() []conversion.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]conversion.Event(nil), p.conversions...)
}

// Outcomes returns the finished delivery attempts.
func (p *Page) Outcomes() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome(nil), p.outcomes...)
}

// resolveEndpoint resolves a collector endpoint against the page, so a
// path such as "/s/track-conversion" targets the page's own origin.
func resolveEndpoint(page *url.URL, raw, fallback string) string {
	if raw == "" {
		raw = fallback
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return page.ResolveReference(ref).String()
}
