// ABOUTME: Prometheus request metrics and the HTTP middleware feeding them
// ABOUTME: Counts requests and 5xx errors, observes latency per method and path

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates and registers the sheetbridge collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sb_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sb_errors_total",
			Help: "HTTP 5xx responses",
		}, []string{"path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sb_request_latency_seconds",
			Help: "Request latency in seconds",
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(m.requests, m.errors, m.latency)
	return m
}

// Observe records one completed request.
func (m *Metrics) Observe(method, path string, status int, duration time.Duration) {
	m.latency.WithLabelValues(method, path).Observe(duration.Seconds())
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.errors.WithLabelValues(path).Inc()
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusRecorder captures the status code written by the wrapped handler.
// The access log middleware shares it.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

// NewStatusRecorder wraps w, defaulting the status to 200 for handlers that
// never call WriteHeader.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request passing through it.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		m.Observe(r.Method, r.URL.Path, rec.Status, time.Since(start))
	})
}
