package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Repository metrics
	BackendCallsTotal    *prometheus.CounterVec
	BackendCallDuration  *prometheus.HistogramVec
	BackendFallbackTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Resolution metrics
	ResolutionsTotal         *prometheus.CounterVec
	DegradedResolutionsTotal prometheus.Counter
	AdminMutationsTotal      *prometheus.CounterVec
	LinkWritesTotal          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		BackendCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_backend_calls_total",
				Help: "Total number of repository backend calls",
			},
			[]string{"backend", "operation", "status"},
		),
		BackendCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexgate_backend_call_duration_seconds",
				Help:    "Repository backend call duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
			},
			[]string{"backend", "operation"},
		),
		BackendFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_backend_fallback_total",
				Help: "Number of calls served by the fallback backend after the primary was skipped or failed",
			},
			[]string{"operation", "reason"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_cache_invalidations_total",
				Help: "Total number of explicit cache invalidations",
			},
			[]string{"cache"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_permission_resolutions_total",
				Help: "Permission status resolutions by privilege tier",
			},
			[]string{"tier"},
		),
		DegradedResolutionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lexgate_permission_resolutions_degraded_total",
				Help: "Regular-user resolutions that fell back to the safe default",
			},
		),
		AdminMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_admin_mutations_total",
				Help: "Admin mutations by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		LinkWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexgate_link_writes_total",
				Help: "Link rows added or removed by diff-based sync",
			},
			[]string{"link", "op"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BackendCallsTotal,
		m.BackendCallDuration,
		m.BackendFallbackTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.ResolutionsTotal,
		m.DegradedResolutionsTotal,
		m.AdminMutationsTotal,
		m.LinkWritesTotal,
	)

	return m
}

// NewNopMetrics returns metrics registered on a private registry, for tests and tools
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
