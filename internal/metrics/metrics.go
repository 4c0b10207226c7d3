// Package metrics provides Prometheus instrumentation for Claimpay.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "claimpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement attempts by outcome
	// (settled, cancelled, refused, failed).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ChallengeStepsTotal counts challenge step executions by step and result.
	ChallengeStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "challenge_steps_total",
			Help:      "Wallet challenge steps executed by step name and result.",
		},
		[]string{"step", "result"},
	)

	// EscrowOpsTotal counts ledger operations by op and status.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "escrow_ops_total",
			Help:      "Escrow ledger operations by operation and status.",
		},
		[]string{"op", "status"},
	)

	// ReconciliationsTotal counts transaction-id resolutions by source
	// (result, lookup, unresolved).
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "reconciliations_total",
			Help:      "Settlement transaction id resolutions by source.",
		},
		[]string{"source"},
	)

	// ActiveEventSubscribers tracks connected realtime WebSocket clients.
	ActiveEventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "claimpay",
			Name:      "active_event_subscribers",
			Help:      "Currently connected realtime event subscribers.",
		},
	)

	// ClaimTransitionsTotal counts claim status transitions.
	ClaimTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpay",
			Name:      "claim_transitions_total",
			Help:      "Claim status transitions by target status.",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		ChallengeStepsTotal,
		EscrowOpsTotal,
		ReconciliationsTotal,
		ActiveEventSubscribers,
		ClaimTransitionsTotal,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
