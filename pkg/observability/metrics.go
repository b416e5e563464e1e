package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the audit service. Every method
// is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Write path
	RecordsTotal         *prometheus.CounterVec
	RecordDuration       *prometheus.HistogramVec
	SuppressedTotal      *prometheus.CounterVec
	ValidationRejections *prometheus.CounterVec
	DedupErrorsTotal     prometheus.Counter
	ForwardFailuresTotal *prometheus.CounterVec

	// Configuration reloads
	ReloadsTotal *prometheus.CounterVec
	ActiveRules  prometheus.Gauge

	// Read side
	VerificationFindings *prometheus.CounterVec
	PurgedTotal          prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database pool
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers the audit metrics on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_records_total",
				Help: "Audit records persisted",
			},
			[]string{"module", "kind", "result"},
		),
		RecordDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_record_duration_seconds",
				Help:    "Time to validate, sign and persist a record",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"outcome"},
		),
		SuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_records_suppressed_total",
				Help: "Read events collapsed by the dedup window",
			},
			[]string{"module"},
		),
		ValidationRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_validation_rejections_total",
				Help: "Drafts rejected before any side effect",
			},
			[]string{"field"},
		),
		DedupErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_dedup_errors_total",
				Help: "Dedup gate failures that let a record through",
			},
		),
		ForwardFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_forward_failures_total",
				Help: "Best-effort downstream deliveries that failed",
			},
			[]string{"reason"},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_config_reloads_total",
				Help: "Rule and dictionary reloads by outcome",
			},
			[]string{"source", "outcome"},
		),
		ActiveRules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_rules",
				Help: "Rules in the active mapping snapshot",
			},
		),
		VerificationFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_verification_findings_total",
				Help: "Tamper-evidence findings reported by chain verification",
			},
			[]string{"kind"},
		),
		PurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_records_purged_total",
				Help: "Records removed by purge-all",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_db_connections_in_use",
				Help: "Database connections in use",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.RecordsTotal,
		m.RecordDuration,
		m.SuppressedTotal,
		m.ValidationRejections,
		m.DedupErrorsTotal,
		m.ForwardFailuresTotal,
		m.ReloadsTotal,
		m.ActiveRules,
		m.VerificationFindings,
		m.PurgedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBWaitCount,
	)
	return m
}

// ObserveRecord counts a persisted record
func (m *Metrics) ObserveRecord(module, kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(module, kind, result).Inc()
	m.RecordDuration.WithLabelValues("persisted").Observe(d.Seconds())
}

// ObserveSuppressed counts a read event dropped by the dedup gate
func (m *Metrics) ObserveSuppressed(module string, d time.Duration) {
	if m == nil {
		return
	}
	m.SuppressedTotal.WithLabelValues(module).Inc()
	m.RecordDuration.WithLabelValues("suppressed").Observe(d.Seconds())
}

// ObserveRejected counts a validation failure
func (m *Metrics) ObserveRejected(field string) {
	if m == nil {
		return
	}
	m.ValidationRejections.WithLabelValues(field).Inc()
}

// ObserveDedupError counts a gate failure that failed open
func (m *Metrics) ObserveDedupError() {
	if m == nil {
		return
	}
	m.DedupErrorsTotal.Inc()
}

// ObserveForwardFailure counts a failed downstream delivery
func (m *Metrics) ObserveForwardFailure(reason string) {
	if m == nil {
		return
	}
	m.ForwardFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveReload counts a configuration reload attempt
func (m *Metrics) ObserveReload(source, outcome string) {
	if m == nil {
		return
	}
	m.ReloadsTotal.WithLabelValues(source, outcome).Inc()
}

// SetActiveRules records the size of the active rule snapshot
func (m *Metrics) SetActiveRules(n int) {
	if m == nil {
		return
	}
	m.ActiveRules.Set(float64(n))
}

// ObserveFinding counts a verification finding
func (m *Metrics) ObserveFinding(kind string) {
	if m == nil {
		return
	}
	m.VerificationFindings.WithLabelValues(kind).Inc()
}

// ObservePurge counts purged records
func (m *Metrics) ObservePurge(n int64) {
	if m == nil {
		return
	}
	m.PurgedTotal.Add(float64(n))
}

// ObserveDBStats copies connection pool statistics into the gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// statusRecorder captures the response status
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests. routeOf maps a request to a
// low-cardinality route label; the raw path is used when it is nil.
func HTTPMetricsMiddleware(metrics *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeOf != nil {
				route = routeOf(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
