// Package metrics provides Prometheus instrumentation for the protection engine.
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
	// EvaluationsTotal counts protection evaluations, partitioned by outcome
	// (ok, breach, incomplete, error).
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilshield_evaluations_total",
		Help: "Total number of protection evaluations",
	}, []string{"outcome"})

	// EvaluationLatency tracks end-to-end evaluation latency including the
	// encrypted comparison.
	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ilshield_evaluation_latency_seconds",
		Help:    "Protection evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WithdrawalsTotal counts protective withdrawals triggered by breaches.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilshield_withdrawals_total",
		Help: "Protective withdrawals triggered",
	})

	// ActivePositions tracks currently active protected positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilshield_active_positions",
		Help: "Number of active protected positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilshield_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilshield_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ilshield_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// ExposureLimitRejections counts positions rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilshield_exposure_limit_rejections_total",
		Help: "Positions rejected by exposure limiter",
	})
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

		// Use the route pattern for path label to avoid high cardinality.
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
