// Package metrics provides Prometheus instrumentation for the exchange
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by side and class.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "class"})

	// OrdersRejected counts rejected orders by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total number of orders rejected",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// FillsExecuted counts individual fills.
	FillsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_fills_total",
		Help: "Total number of fills executed",
	})

	// SharesFilled tracks cumulative filled share volume per side.
	SharesFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_shares_filled_total",
		Help: "Cumulative filled volume in shares",
	}, []string{"side"})

	// OrderLatency is the order placement latency distribution.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side", "class"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
