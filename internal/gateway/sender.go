package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/store"
)

// ErrQueueFull is reported when a postback cannot be queued.
var ErrQueueFull = errors.New("postback queue full")

// job is one queued postback.
type job struct {
	key     string
	orderID string
	params  url.Values
}

// Sender delivers postbacks from a buffered queue on a single background
// goroutine. Close stops intake and drains what is already queued.
//
// Thread-safety: Enqueue and Close are safe for concurrent use.
type Sender struct {
	target  string
	client  *http.Client
	store   *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	queue   chan job
	pending sync.WaitGroup
	done    chan struct{}
}

// NewSender creates a stopped Sender; call Start to begin sending.
func NewSender(cfg Config, client *http.Client, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Sender {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.PostbackTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		target:  cfg.PostbackURL,
		client:  client,
		store:   st,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the worker.
func (s *Sender) Start() {
	go s.run()
}

// Enqueue queues a postback without blocking. It reports false when the
// queue is full or the sender is closed.
func (s *Sender) Enqueue(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	select {
	case s.queue <- j:
		s.metrics.QueueDepth(len(s.queue))
		return true
	default:
		s.pending.Done()
		return false
	}
}

// Flush waits until every postback queued so far has been attempted or
// ctx ends. The sender keeps running.
func (s *Sender) Flush(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush postback queue: %w", ctx.Err())
	}
}

// Close stops intake and waits until the queue is drained or ctx ends.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain postback queue: %w", ctx.Err())
	}
}

func (s *Sender) run() {
	defer close(s.done)
	for j := range s.queue {
		s.metrics.QueueDepth(len(s.queue))
		s.send(j)
		s.pending.Done()
	}
}

func (s *Sender) send(j job) {
	s.logger.Debug("sending postback", "order_id", j.orderID, "url", s.target, "params", MaskedQuery(j.params))

	start := time.Now()
	err := s.get(j.params)
	elapsed := time.Since(start)

	status := store.PostbackSent
	if err != nil {
		status = store.PostbackFailed
		s.logger.Error("postback failed", "order_id", j.orderID, "error", err)
		s.metrics.Postback(metrics.OutcomeFailed, elapsed)
	} else {
		s.logger.Info("postback sent", "order_id", j.orderID)
		s.metrics.Postback(metrics.OutcomeSent, elapsed)
	}

	if s.store == nil {
		return
	}
	if ferr := s.store.FinishPostback(context.Background(), j.key, status, err, s.now()); ferr != nil {
		s.logger.Error("failed to record postback outcome", "order_id", j.orderID, "error", ferr)
	}
}

func (s *Sender) get(params url.Values) error {
	u, err := url.Parse(s.target)
	if err != nil {
		return fmt.Errorf("parse postback url: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build postback request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send postback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send postback: status %d", resp.StatusCode)
	}
	return nil
}
