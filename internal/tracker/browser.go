// Package tracker models the page lifecycle around the attribution and
// delivery components.
//
// A Browser owns the persisted attribution jar and the HTTP client that
// carries it. A Tab owns page-scoped session storage that survives
// navigation. Every Load creates a Page: one execution context with its
// own bus, normalizer and delivery latch.
package tracker

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/convtrack/internal/attribution"
	"github.com/roach88/convtrack/internal/delivery"
	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/normalize"
	"github.com/roach88/convtrack/internal/session"
	"github.com/roach88/convtrack/internal/signal"
)

// Config is the per-site tracker configuration.
type Config struct {
	Delivery    delivery.Config
	GraceWindow time.Duration

	// UseSessionStorage enables the carry-forward buffer and the one-shot
	// side-channel keys.
	UseSessionStorage bool

	EventNames     []string
	SaleEventNames []string
	Mapping        normalize.Mapping

	Policy signal.Policy
	// Rules overrides signal.DefaultRules when non-empty.
	Rules []signal.Rule

	CookieTTL  time.Duration
	MaxPending int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		GraceWindow:       delivery.DefaultGraceWindow,
		UseSessionStorage: false,
		EventNames:        normalize.DefaultEventNames,
		SaleEventNames:    normalize.DefaultSaleEventNames,
		Mapping:           normalize.DefaultMapping(),
		Policy:            signal.LastClick,
		CookieTTL:         attribution.DefaultTTL,
	}
}

// Browser holds state shared by every tab: the attribution jar and the
// client that sends it.
type Browser struct {
	cfg     Config
	jar     attribution.Jar
	client  *http.Client
	clock   delivery.Clock
	ids     IDGenerator
	metrics *metrics.Metrics
	logger  *slog.Logger

	transport http.RoundTripper
}

// Option configures a Browser.
type Option func(*Browser)

// WithTransport routes all HTTP traffic through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(b *Browser) { b.transport = rt }
}

// WithClock injects the clock used for TTLs and grace windows.
func WithClock(c delivery.Clock) Option {
	return func(b *Browser) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithIDGenerator sets the page id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(b *Browser) {
		if g != nil {
			b.ids = g
		}
	}
}

// WithMetrics records component outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Browser) { b.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Browser) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBrowser creates a browser over jar.
func NewBrowser(jar attribution.Jar, cfg Config, opts ...Option) *Browser {
	if jar == nil {
		jar = attribution.NewMemoryJar()
	}
	b := &Browser{
		cfg:    cfg,
		jar:    jar,
		clock:  delivery.SystemClock{},
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.client = delivery.NewClient(
		attribution.NewHTTPJar(jar, cfg.CookieTTL, b.clock.Now, b.logger),
		cfg.Delivery.Timeout,
	)
	if b.transport != nil {
		b.client.Transport = b.transport
	}
	return b
}

// Jar returns the attribution jar.
func (b *Browser) Jar() attribution.Jar { return b.jar }

// Client returns the HTTP client carrying the jar.
func (b *Browser) Client() *http.Client { return b.client }

// Config returns the browser configuration.
func (b *Browser) Config() Config { return b.cfg }

// Tab is one browser tab. Its session storage survives navigation but is
// not shared with other tabs.
type Tab struct {
	browser *Browser
	raw     *session.Memory
	storage session.Storage
}

// NewTab opens a tab with empty session storage.
func (b *Browser) NewTab() *Tab {
	raw := session.NewMemory()
	return &Tab{
		browser: b,
		raw:     raw,
		storage: session.WithPrefix(raw, session.DefaultPrefix),
	}
}

// Storage returns the tab's namespaced session storage. Keys are stored
// with the "adt_" prefix.
func (t *Tab) Storage() session.Storage { return t.storage }

// SessionKeys lists the raw keys currently in session storage.
func (t *Tab) SessionKeys() []string { return t.raw.Keys() }
