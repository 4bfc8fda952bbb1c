package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Token lifecycle and event propagation metrics.
var (
	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Access/refresh token pairs issued.",
	})

	RefreshRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rejected_total",
			Help: "Refresh attempts rejected, by reason.",
		},
		[]string{"reason"},
	)

	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_events_published_total",
		Help: "Identity events appended to the log.",
	})

	EventPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_event_publish_failures_total",
		Help: "Identity event publishes that failed after the authoritative write.",
	})

	EventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_events_consumed_total",
		Help: "Identity events applied to the local projection.",
	})

	PoisonMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_poison_messages_total",
		Help: "Identity events skipped because they could not be decoded.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		TokensIssued, RefreshRejected,
		EventsPublished, EventPublishFailures, EventsConsumed, PoisonMessages,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses identifier path segments so metrics stay low-cardinality.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "users" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "events" {
		parts[3] = ":partition"
		return strings.Join(parts, "/")
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
