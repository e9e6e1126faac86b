package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the federation service
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Federation flow metrics
	StageOutcomesTotal  *prometheus.CounterVec
	StateConsumedTotal  *prometheus.CounterVec
	HandoffIssuedTotal  *prometheus.CounterVec
	HandoffUsedTotal    *prometheus.CounterVec
	ReplayRejectedTotal prometheus.Counter

	// Outbound identity provider metrics
	IdPRequestDuration *prometheus.HistogramVec
	IdPErrorsTotal     *prometheus.CounterVec

	// JWKS cache metrics
	JWKSCacheHitsTotal   prometheus.Counter
	JWKSCacheMissesTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywarden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		StageOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_sso_stage_outcomes_total",
				Help: "SSO flow stage outcomes by provider, stage, flow type and result",
			},
			[]string{"provider", "stage", "type", "result"},
		),
		StateConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_sso_state_consumed_total",
				Help: "Single-use state rows consumed, by flow type and assertion result",
			},
			[]string{"type", "result"},
		),
		HandoffIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_sso_handoff_issued_total",
				Help: "Handoff tokens issued by downstream type",
			},
			[]string{"type"},
		),
		HandoffUsedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_sso_handoff_used_total",
				Help: "Handoff token consumption attempts by type and result",
			},
			[]string{"type", "result"},
		),
		ReplayRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_sso_replay_rejected_total",
				Help: "Callbacks rejected because the state row was already consumed",
			},
		),
		IdPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywarden_idp_request_duration_seconds",
				Help:    "Outbound identity provider request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		IdPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_idp_errors_total",
				Help: "Identity provider reported errors by provider and error code",
			},
			[]string{"provider", "code"},
		),
		JWKSCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_jwks_cache_hits_total",
				Help: "JWKS key set cache hits",
			},
		),
		JWKSCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_jwks_cache_misses_total",
				Help: "JWKS key set cache misses",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_db_connections_idle",
				Help: "Idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StageOutcomesTotal,
		m.StateConsumedTotal,
		m.HandoffIssuedTotal,
		m.HandoffUsedTotal,
		m.ReplayRejectedTotal,
		m.IdPRequestDuration,
		m.IdPErrorsTotal,
		m.JWKSCacheHitsTotal,
		m.JWKSCacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).
				Observe(time.Since(start).Seconds())
		})
	}
}
