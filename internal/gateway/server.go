// Package gateway is the first-party collector behind the browser tracker.
//
// It owns the HttpOnly attribution cookies, decides on every reported
// conversion whether the partner network gets credit under the
// last-paid-click rule, and sends the server-to-server postback from a
// background queue. Each conversion key is marked in SQLite before it is
// queued, so a repeated report is acknowledged without a second postback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/delivery"
	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/signal"
	"github.com/roach88/convtrack/internal/store"
)

// Cookies the gateway sets on session init and reads on conversion.
const (
	CookieVisitorID   = "_adm_aid"
	CookiePublisherID = "_pid"
	CookieLastSource  = "_last_source"
)

// Routes.
const (
	RouteInit       = "/s/init-tracking"
	RouteConversion = "/s/track-conversion"
	RouteHealth     = "/healthz"
	RouteMetrics    = "/metrics"
)

const maxBodyBytes = 64 << 10

// Conversion response statuses.
const (
	StatusScheduled    = "success"
	StatusDeduplicated = "deduplicated"
	StatusDuplicate    = "duplicate"
)

// ConversionResponse is the body returned by the conversion route.
type ConversionResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Source  *string `json:"source,omitempty"`
}

// Server is the collector gateway.
type Server struct {
	cfg          Config
	store        *store.Store
	sender       *Sender
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	rules        []signal.Rule
	postbackHTTP *http.Client
	router       chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records request, decision and postback metrics and serves
// them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the time source for markers.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPostbackClient sets the client the sender uses.
func WithPostbackClient(c *http.Client) Option {
	return func(s *Server) { s.postbackHTTP = c }
}

// New creates a Server and starts its postback sender. st holds the
// deduplication markers and must stay open until Close returns.
func New(cfg Config, st *store.Store, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		rules:  signal.GatewayRules(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sender = NewSender(s.cfg, s.postbackHTTP, st, s.metrics, s.logger)
	s.sender.now = s.now
	s.sender.Start()
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Flush waits for queued postbacks without stopping the sender.
func (s *Server) Flush(ctx context.Context) error {
	return s.sender.Flush(ctx)
}

// Close drains the postback queue.
func (s *Server) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts the
// HTTP server down and drains the postback queue.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		_ = s.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := s.Close(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("gateway shutdown complete")
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.instrumentMiddleware)

	r.Get(RouteHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, RouteMetrics, s.metrics.Handler())
	}
	r.Post(RouteInit, s.initTracking)
	r.Post(RouteConversion, s.trackConversion)
	return r
}

func (s *Server) initTracking(w http.ResponseWriter, r *http.Request) {
	var params delivery.InitParams
	if err := decodeBody(w, r, &params); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid json body")
		return
	}
	q := initQuery(params)
	log := s.logger.With("request_id", requestIDFromContext(r.Context()))
	log.Debug("initializing tracking", "params", q.Encode())

	if v := q.Get(signal.ParamVisitorID); v != "" {
		s.setCookie(w, CookieVisitorID, v)
	}
	if v := q.Get(signal.ParamPartnerID); v != "" {
		s.setCookie(w, CookiePublisherID, v)
	}
	if source, _, ok := signal.Decide(s.rules, q); ok {
		s.setCookie(w, CookieLastSource, source)
		log.Info("last source cookie set", "source", source)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cookies initiated"})
}

func (s *Server) trackConversion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.With("request_id", requestIDFromContext(ctx))

	var p conversion.Payload
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid json body")
		return
	}
	if p.PaymentType == "" {
		p.PaymentType = string(conversion.KindSale)
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}

	visit := s.visit(r, &p)
	log.Debug("conversion received",
		"order_id", p.OrderID,
		"uid", visit.VisitorID,
		"source", visit.Source,
		"publisher_id", visit.PublisherID,
	)

	reason, send := Decide(deref(p.PromoCode), visit)
	if !send {
		log.Info("conversion attributed elsewhere, no postback",
			"order_id", p.OrderID, "uid", visit.VisitorID, "source", visit.Source)
		s.metrics.Decision(StatusDeduplicated)
		resp := ConversionResponse{Status: StatusDeduplicated}
		if visit.Source != "" {
			resp.Source = &visit.Source
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	params, err := PostbackParams(s.cfg, &p, visit)
	if err != nil {
		log.Error("failed to build postback", "order_id", p.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to build postback")
		return
	}

	kind, _ := conversion.ParseKind(p.PaymentType)
	key, err := conversion.Key(kind, p.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	first, err := s.store.MarkPostback(ctx, store.Postback{
		Key:         key,
		OrderID:     p.OrderID,
		PaymentType: p.PaymentType,
		VisitorID:   visit.VisitorID,
		Reason:      reason,
		CreatedAt:   s.now(),
	})
	if err != nil {
		log.Error("failed to mark postback", "order_id", p.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to record conversion")
		return
	}
	if !first {
		log.Info("duplicate conversion, postback already scheduled", "order_id", p.OrderID)
		s.metrics.Decision(StatusDuplicate)
		writeJSON(w, http.StatusOK, ConversionResponse{Status: StatusDuplicate, Message: "Postback already scheduled."})
		return
	}

	if !s.sender.Enqueue(job{key: key, orderID: p.OrderID, params: params}) {
		log.Error("postback not queued", "order_id", p.OrderID, "error", ErrQueueFull)
		// Nothing was sent, so a retry must be able to claim the key again.
		if _, rerr := s.store.ReleasePostback(ctx, key); rerr != nil {
			log.Error("failed to release postback marker", "order_id", p.OrderID, "error", rerr)
		}
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "postback queue unavailable")
		return
	}

	log.Info("partner attribution confirmed, postback scheduled", "order_id", p.OrderID, "reason", reason)
	s.metrics.Decision(StatusScheduled)
	writeJSON(w, http.StatusOK, ConversionResponse{Status: StatusScheduled, Message: "Postback scheduled."})
}

// visit reads the gateway's own cookies. Only a request carrying none of
// them falls back to the attribution snapshot in the payload; once any
// gateway cookie is present a missing source stays empty.
func (s *Server) visit(r *http.Request, p *conversion.Payload) Visit {
	v := Visit{
		VisitorID:   cookieValue(r, CookieVisitorID),
		PublisherID: cookieValue(r, CookiePublisherID),
		Source:      cookieValue(r, CookieLastSource),
	}
	if v == (Visit{}) {
		v.VisitorID = p.VisitorID
		v.Source = p.Channel
	}
	return v
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.CookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func initQuery(p delivery.InitParams) url.Values {
	q := url.Values{}
	set := func(k string, v *string) {
		if v != nil && *v != "" {
			q.Set(k, *v)
		}
	}
	set(signal.ParamVisitorID, p.AdmitadUID)
	set(signal.ParamPartnerID, p.PID)
	set(signal.ParamUTMSource, p.UTMSource)
	set(signal.ParamGCLID, p.GCLID)
	set(signal.ParamFBCLID, p.FBCLID)
	return q
}
