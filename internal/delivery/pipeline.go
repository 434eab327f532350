// Package delivery sends normalized conversions to the collector.
//
// A Pipeline belongs to one page load. Its latch is set before the first
// request starts, so at most one send attempt happens per page lifetime no
// matter how often Deliver is called or how the first attempt ends.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/metrics"
)

// Defaults for Config.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultCollectorPath = "/s/track-conversion"
	DefaultInitPath      = "/s/init-tracking"
	DefaultPixelURL      = "https://ad.admitad.com/tt"
)

// Config holds the endpoints and codes a pipeline uses.
type Config struct {
	CollectorURL string
	InitURL      string
	PixelURL     string
	Timeout      time.Duration

	// LegacyPixel fires the image pixel alongside the collector request.
	LegacyPixel  bool
	CampaignCode string
	ActionCode   string
	TariffCode   string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PixelURL == "" {
		c.PixelURL = DefaultPixelURL
	}
	if c.ActionCode == "" {
		c.ActionCode = "1"
	}
	if c.TariffCode == "" {
		c.TariffCode = "1"
	}
	return c
}

// NewClient returns an HTTP client that attaches jar cookies to every
// request and stores the ones the collector sets.
func NewClient(jar http.CookieJar, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Jar: jar, Timeout: timeout}
}

// Pipeline delivers at most one conversion per page load.
type Pipeline struct {
	cfg      Config
	client   *http.Client
	sent     atomic.Bool
	inflight inflight
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline. A nil client gets a jarless client with the
// configured timeout.
func New(cfg Config, client *http.Client, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	if client == nil {
		client = NewClient(nil, cfg.Timeout)
	}
	p := &Pipeline{cfg: cfg, client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Sent reports whether the latch has been taken.
func (p *Pipeline) Sent() bool { return p.sent.Load() }

// Deliver sends ev to the collector unless a conversion was already
// attempted on this page. It reports whether the collector accepted it.
func (p *Pipeline) Deliver(ctx context.Context, ev conversion.Event) bool {
	if !p.claim(&ev) {
		return false
	}
	return p.send(ctx, ev)
}

// Go takes the latch on the calling goroutine and sends ev in the
// background, passing the result to done. It reports false, without
// calling done, when a conversion was already attempted on this page.
func (p *Pipeline) Go(ctx context.Context, ev conversion.Event, done func(bool)) bool {
	if !p.claim(&ev) {
		return false
	}
	p.inflight.add()
	go func() {
		defer p.inflight.done()
		ok := p.send(ctx, ev)
		if done != nil {
			done(ok)
		}
	}()
	return true
}

func (p *Pipeline) claim(ev *conversion.Event) bool {
	if p.sent.CompareAndSwap(false, true) {
		return true
	}
	p.logger.Debug("conversion already sent on this page, skipping", "order_id", ev.OrderID)
	p.metrics.Delivery(metrics.OutcomeSuppressed, 0)
	return false
}

func (p *Pipeline) send(ctx context.Context, ev conversion.Event) bool {
	if p.cfg.LegacyPixel {
		p.firePixel(ctx, &ev)
	}

	payload := conversion.NewPayload(&ev)
	if err := payload.Validate(); err != nil {
		p.fail(&ev, &SendError{Code: ErrCodeEncode, Endpoint: "collector", Err: err}, 0)
		return false
	}

	start := time.Now()
	err := p.postJSON(ctx, "collector", p.cfg.CollectorURL, payload)
	elapsed := time.Since(start)
	if err != nil {
		p.fail(&ev, err, elapsed)
		return false
	}
	p.logger.Info("conversion delivered",
		"order_id", ev.OrderID,
		"kind", ev.Kind,
		"amount", conversion.FormatDecimal(&ev.Amount),
		"channel", ev.Attribution.Channel,
	)
	p.metrics.Delivery(metrics.OutcomeSent, elapsed)
	return true
}

func (p *Pipeline) fail(ev *conversion.Event, err error, elapsed time.Duration) {
	p.logger.Error("conversion delivery failed", "order_id", ev.OrderID, "error", err)
	p.metrics.Delivery(metrics.OutcomeFailed, elapsed)
}

// Wait blocks until background sends and pixel requests finish.
func (p *Pipeline) Wait() {
	<-p.Idle()
}

// Idle returns a channel that is closed when the background sends and
// pixel requests running now have finished. It is safe to call while
// new conversions are still being handed to Go.
func (p *Pipeline) Idle() <-chan struct{} {
	return p.inflight.wait()
}

func (p *Pipeline) postJSON(ctx context.Context, endpoint, target string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &SendError{Code: ErrCodeEncode, Endpoint: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return &SendError{Code: ErrCodeEncode, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, endpoint)
}

func (p *Pipeline) do(req *http.Request, endpoint string) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return classify(endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SendError{Code: ErrCodeStatus, Endpoint: endpoint, Status: resp.StatusCode}
	}
	return nil
}

func classify(endpoint string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &SendError{Code: ErrCodeTimeout, Endpoint: endpoint, Err: err}
	}
	return &SendError{Code: ErrCodeNetwork, Endpoint: endpoint, Err: err}
}
