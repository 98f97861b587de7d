package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DecisionsTotal   *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerberus",
				Name:      "requests_total",
				Help:      "Total number of proxied requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cerberus",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cerberus",
				Name:      "decisions_total",
				Help:      "Terminal request outcomes by kind",
			},
			[]string{"outcome"}, // allowed/blocked/throttled/unauthorized/upstream_error
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "cerberus",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by rate limiting",
			},
		),
	}
}

// RegisterAuditDrops exposes the audit emitter's drop counter as a gauge.
// Wired with a getter so the metrics package does not depend on the
// emitter type.
func RegisterAuditDrops(reg prometheus.Registerer, dropped func() int64) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cerberus",
			Name:      "audit_drops_total",
			Help:      "Total audit decisions dropped due to backpressure",
		},
		func() float64 { return float64(dropped()) },
	))
}

// RecordOutcome counts a terminal proxy outcome by its HTTP status.
func (m *Metrics) RecordOutcome(status int) {
	switch {
	case status == 401:
		m.DecisionsTotal.WithLabelValues("unauthorized").Inc()
	case status == 403:
		m.DecisionsTotal.WithLabelValues("blocked").Inc()
	case status == 429:
		m.DecisionsTotal.WithLabelValues("throttled").Inc()
		m.RateLimitedTotal.Inc()
	case status == 502 || status == 504:
		m.DecisionsTotal.WithLabelValues("upstream_error").Inc()
	default:
		m.DecisionsTotal.WithLabelValues("allowed").Inc()
	}
}
