package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics counts ledger-level events.
type Metrics struct {
	ledgerEntries       *prometheus.CounterVec
	insufficientCredits prometheus.Counter
	idempotentReplays   *prometheus.CounterVec
	rateLimited         prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ledgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_entries_total",
			Help: "Ledger entries appended, by entry type.",
		}, []string{"type"}),
		insufficientCredits: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_spend_insufficient_total",
			Help: "Spend attempts rejected for insufficient credits.",
		}),
		idempotentReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_idempotent_replays_total",
			Help: "Mutations answered from a prior result, by source.",
		}, []string{"source"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "credit_rate_limited_total",
			Help: "Mutations rejected by the rate limiter.",
		}),
	}
}

func (m *Metrics) RecordLedgerEntry(entryType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(entryType).Inc()
}

func (m *Metrics) RecordInsufficientCredits() {
	if m == nil {
		return
	}
	m.insufficientCredits.Inc()
}

// RecordIdempotentReplay notes a replayed result; source is "cache" for guard
// hits and "store" for ledger unique-key hits.
func (m *Metrics) RecordIdempotentReplay(source string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// HTTPMetrics instruments inbound requests.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func provideRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

var Module = fx.Module("observability.metrics",
	fx.Provide(
		provideRegisterer,
		New,
		NewHTTPMetrics,
	),
)
