// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// WalletOperations counts ledger mutations by operation and outcome.
	WalletOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_operations_total",
			Help: "Wallet ledger mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// InventoryReservations counts Reserve calls by outcome.
	InventoryReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Inventory reservation attempts by result",
		},
		[]string{"result"},
	)

	// GatewayCalls counts outbound gateway calls.
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Outbound payment gateway calls by gateway, operation and result",
		},
		[]string{"gateway", "operation", "result"},
	)

	// WebhooksReceived counts webhook deliveries and whether they triggered processing.
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_received_total",
			Help: "Webhook deliveries by gateway and whether they were processed",
		},
		[]string{"gateway", "processed"},
	)

	// Reconciliations counts reconciler outcomes.
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconciliations_total",
			Help: "Reconciler runs by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileFailures is the alerting signal: a verified payment that could not be
	// applied internally needs manual reconciliation.
	ReconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconcile_failures_total",
			Help: "Verified payments whose internal settlement failed",
		},
		[]string{"gateway"},
	)

	// Swept counts what the background sweeper cleaned up, by kind.
	Swept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_swept_total",
			Help: "Stale orders cancelled and overdue units expired by the sweeper",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(WalletOperations)
	prometheus.MustRegister(InventoryReservations)
	prometheus.MustRegister(GatewayCalls)
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(Reconciliations)
	prometheus.MustRegister(ReconcileFailures)
	prometheus.MustRegister(Swept)
}

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler serves the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Result maps an error to a short metric label.
func Result(err error, known map[error]string) string {
	if err == nil {
		return "ok"
	}
	for target, label := range known {
		if errors.Is(err, target) {
			return label
		}
	}
	return "error"
}
