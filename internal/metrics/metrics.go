// Package metrics provides Prometheus instrumentation for the research engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshRunsTotal counts orchestration runs by outcome
	// (success, error, rejected).
	RefreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_refresh_runs_total",
		Help: "Total refresh orchestration runs by outcome",
	}, []string{"outcome"})

	// MarketFetchesTotal counts individual market fetches by status.
	MarketFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_market_fetches_total",
		Help: "Total upstream market metric fetches by status",
	}, []string{"status"})

	// ReadResponsesTotal counts read-path responses by branch
	// (ready, processing).
	ReadResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_read_responses_total",
		Help: "Total read API responses by branch",
	}, []string{"branch"})

	// EnqueuesTotal counts refresh trigger attempts by outcome
	// (enqueued, throttled, failed).
	EnqueuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_enqueues_total",
		Help: "Total refresh trigger attempts by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected status-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "research_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "research_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "research_http_request_duration_seconds",
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

		// Use the route path for the label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades reach the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
