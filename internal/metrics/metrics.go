package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradecore"

var (
	// HTTPRequestDuration tracks request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "path", "status"},
	)

	// ReconciliationMismatches counts drift found between local and broker state.
	ReconciliationMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches_total",
			Help:      "Reconciliation mismatches by kind",
		},
		[]string{"kind"},
	)

	// CASConflictsSkipped counts status updates that lost conflict resolution.
	CASConflictsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_skipped_total",
			Help:      "Order status updates skipped by reason",
		},
		[]string{"reason"},
	)

	// SlicesRecovered counts crash-recovery actions taken per slice.
	SlicesRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_recovered_total",
			Help:      "Slices handled by crash recovery by action",
		},
		[]string{"action"},
	)

	// SlicesSkipped counts slice executions that did not reach the broker.
	SlicesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_skipped_total",
			Help:      "Slice executions skipped by reason",
		},
		[]string{"reason"},
	)

	// ReconciliationLastSuccess is the unix time of the last successful run.
	ReconciliationLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reconciliation",
		},
	)

	// ReconciliationPagesTruncated counts periodic runs that hit the page cap
	// with broker orders left to read.
	ReconciliationPagesTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_pages_truncated_total",
			Help:      "Periodic reconciliation runs stopped by the page cap",
		},
	)

	// BrokerRequests counts broker gateway calls by operation and outcome.
	BrokerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_requests_total",
			Help:      "Broker gateway calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// ReadinessState is 0 gated, 1 reconciling, 2 ready.
	ReadinessState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readiness_state",
			Help:      "Readiness gate state (0 gated, 1 reconciling, 2 ready)",
		},
	)
)

// PrometheusMiddleware records request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
