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

// HTTP metrics.
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Sync engine metrics.
var (
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jirasync_webhook_events_total",
			Help: "Inbound webhook deliveries by event and outcome.",
		},
		[]string{"event", "processed"},
	)

	SyncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jirasync_sync_passes_total",
			Help: "Reconciliation passes by mode and result.",
		},
		[]string{"mode", "result"},
	)

	SyncPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jirasync_sync_pass_duration_seconds",
			Help:    "Duration of a single connection reconciliation pass.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jirasync_token_refresh_total",
			Help: "OAuth refresh-token grants by result.",
		},
		[]string{"result"},
	)

	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jirasync_remote_requests_total",
			Help: "Requests sent to the remote tracker API by method and status code.",
		},
		[]string{"method", "code"},
	)

	OutboundPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jirasync_outbound_push_total",
			Help: "Outbound task pushes by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			WebhookEvents, SyncPasses, SyncPassDuration, TokenRefreshes, RemoteRequests, OutboundPushes,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
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

// CanonicalPath collapses resource identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "connections":
		switch {
		case len(parts) == 3:
			return "/v1/connections/:id"
		case len(parts) == 4 && (parts[3] == "sync" || parts[3] == "projects"):
			return "/v1/connections/:id/" + parts[3]
		}
	case "tasks":
		if len(parts) == 4 && parts[3] == "push" {
			return "/v1/tasks/:id/push"
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps Server-Sent Events working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
