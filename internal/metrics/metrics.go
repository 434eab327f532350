// Package metrics holds the Prometheus collectors for the tracker and the
// collector gateway.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
	OutcomeSkipped    = "skipped"
)

// Metrics groups every collector the module exports.
type Metrics struct {
	registry *prometheus.Registry

	DeliveriesTotal      *prometheus.CounterVec
	DeliveryDuration     prometheus.Histogram
	PixelsTotal          *prometheus.CounterVec
	SessionInitsTotal    *prometheus.CounterVec
	RelayEventsTotal     *prometheus.CounterVec
	GatewayRequestsTotal *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	PostbacksTotal       *prometheus.CounterVec
	PostbackDuration     prometheus.Histogram
	PostbackQueueDepth   prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_deliveries_total",
				Help: "Conversion deliveries to the collector by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convtrack_delivery_duration_seconds",
				Help:    "Duration of collector requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		PixelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_pixels_total",
				Help: "Legacy pixel requests by outcome",
			},
			[]string{"outcome"},
		),
		SessionInitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_session_inits_total",
				Help: "Session-init calls by outcome",
			},
			[]string{"outcome"},
		),
		RelayEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_relay_events_total",
				Help: "Carry-forward buffer operations",
			},
			[]string{"op"},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_gateway_requests_total",
				Help: "Gateway requests by route and status code",
			},
			[]string{"route", "code"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_gateway_decisions_total",
				Help: "Last-paid-click decisions by result",
			},
			[]string{"result"},
		),
		PostbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convtrack_postbacks_total",
				Help: "Server-to-server postbacks by outcome",
			},
			[]string{"outcome"},
		),
		PostbackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convtrack_postback_duration_seconds",
				Help:    "Duration of postback requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		PostbackQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "convtrack_postback_queue_depth",
				Help: "Postbacks waiting for the background sender",
			},
		),
	}
	m.registry.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.PixelsTotal,
		m.SessionInitsTotal,
		m.RelayEventsTotal,
		m.GatewayRequestsTotal,
		m.DecisionsTotal,
		m.PostbacksTotal,
		m.PostbackDuration,
		m.PostbackQueueDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Delivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.DeliveryDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Pixel(outcome string) {
	if m == nil {
		return
	}
	m.PixelsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionInit(outcome string) {
	if m == nil {
		return
	}
	m.SessionInitsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Relay(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayEventsTotal.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) GatewayRequest(route, code string) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(route, code).Inc()
}

func (m *Metrics) Decision(result string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Postback(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PostbacksTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.PostbackDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.PostbackQueueDepth.Set(float64(n))
}
