package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Purchase workflow metrics
var (
	FulfillmentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_events_total",
			Help: "Payment-completed events by outcome (created, duplicate, invalid, error).",
		},
		[]string{"outcome"},
	)

	FulfillmentEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_entries_created_total",
		Help: "Purchase ledger entries created.",
	})

	PriceFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_price_fallback_total",
		Help: "Line items recorded with price 0 because the gateway omitted the charged amount.",
	})

	DownloadAuthorizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_authorizations_total",
			Help: "Download authorization attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			FulfillmentEvents, FulfillmentEntries, PriceFallbacks, DownloadAuthorizations,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
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

// CanonicalPath collapses identifiers and bearer tokens out of a request path
// so they never end up as metric label values.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "download":
		return "/api/download/:token"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "posters" && parts[2] != "search":
		return "/api/posters/:id"
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "products":
		return "/api/admin/products/:id"
	case len(parts) == 5 && parts[0] == "api" && parts[1] == "checkout" && parts[2] == "sessions" && parts[4] == "purchases":
		return "/api/checkout/sessions/:id/purchases"
	case len(parts) >= 1 && parts[0] == "files":
		return "/files/:path"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
