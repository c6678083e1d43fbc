// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerPostings counts transactions written, by type and direction.
	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_postings_total",
		Help: "Ledger transactions written",
	}, []string{"type", "direction"})

	// CommandRejections counts failed commands by command and error kind.
	CommandRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_command_rejections_total",
		Help: "Commands rejected, by error kind",
	}, []string{"command", "kind"})

	// BinarySettlements counts binary positions settled, by outcome.
	BinarySettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_binary_settlements_total",
		Help: "Binary options settled",
	}, []string{"outcome"})

	// BinaryTriggers counts pending binary orders converted to active.
	BinaryTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_binary_triggers_total",
		Help: "Pending binary orders triggered",
	})

	// ExposureRejections counts binary orders rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_exposure_rejections_total",
		Help: "Binary orders rejected by the exposure limiter",
	})

	// P2PTransitions counts P2P order status changes by target status.
	P2PTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_p2p_transitions_total",
		Help: "P2P order status transitions",
	}, []string{"status"})

	// Maturities counts fixed-term investments paid out.
	Maturities = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_staking_maturities_total",
		Help: "Fixed-term investments matured and paid out",
	})

	// CopyClosures counts copy positions closed, by reason.
	CopyClosures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_copy_closures_total",
		Help: "Copy positions closed",
	}, []string{"reason"})

	// TickDuration tracks how long a settlement tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Settlement tick duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// TickFailures counts per-account tick duty failures, by duty.
	TickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tick_failures_total",
		Help: "Settlement tick duty failures",
	}, []string{"duty"})

	// OpenAccounts tracks accounts held in the in-memory book.
	OpenAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_book_accounts",
		Help: "Accounts loaded into the book",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the per-account rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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
