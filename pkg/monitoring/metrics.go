package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection for the access core.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	decisionsTotal      *prometheus.CounterVec
	evaluationDuration  *prometheus.HistogramVec
	auditEntriesTotal   *prometheus.CounterVec
	auditEvictionsTotal *prometheus.CounterVec
	auditSinkDropped    *prometheus.CounterVec
	permissionOps       *prometheus.CounterVec
	proofsIssuedTotal   *prometheus.CounterVec
	policiesLoaded      *prometheus.GaugeVec
}

// NewMetricsCollector creates the collector and registers its metrics with
// registry. Pass prometheus.NewRegistry() in tests.
func NewMetricsCollector(serviceName string, registry *prometheus.Registry) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		gatherer:    registry,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abac_decisions_total",
				Help: "Total number of access decisions",
			},
			[]string{"resource_type", "action", "allowed", "service"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abac_evaluation_duration_seconds",
				Help:    "Duration of policy evaluation in seconds",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
			[]string{"service"},
		),
		auditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_entries_total",
				Help: "Total number of audit entries recorded",
			},
			[]string{"allowed", "service"},
		),
		auditEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_evictions_total",
				Help: "Total number of audit entries evicted from in-memory retention",
			},
			[]string{"service"},
		),
		auditSinkDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_sink_dropped_total",
				Help: "Evicted audit entries that could not be handed to the persistence sink",
			},
			[]string{"reason", "service"},
		),
		permissionOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permission_operations_total",
				Help: "Total number of permission grant and revoke operations",
			},
			[]string{"operation", "status", "service"},
		),
		proofsIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofs_issued_total",
				Help: "Total number of commitment proofs issued",
			},
			[]string{"kind", "service"},
		),
		policiesLoaded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abac_policies_loaded",
				Help: "Number of policies in the policy store",
			},
			[]string{"service"},
		),
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.decisionsTotal,
		m.evaluationDuration,
		m.auditEntriesTotal,
		m.auditEvictionsTotal,
		m.auditSinkDropped,
		m.permissionOps,
		m.proofsIssuedTotal,
		m.policiesLoaded,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDecision records an access decision and its evaluation latency
func (m *MetricsCollector) RecordDecision(resourceType, action string, allowed bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(resourceType, action, strconv.FormatBool(allowed), m.serviceName).Inc()
	m.evaluationDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// RecordAuditEntry records an appended audit entry
func (m *MetricsCollector) RecordAuditEntry(allowed bool) {
	if m == nil {
		return
	}
	m.auditEntriesTotal.WithLabelValues(strconv.FormatBool(allowed), m.serviceName).Inc()
}

// RecordAuditEvictions records entries dropped from in-memory retention
func (m *MetricsCollector) RecordAuditEvictions(count int) {
	if m == nil || count == 0 {
		return
	}
	m.auditEvictionsTotal.WithLabelValues(m.serviceName).Add(float64(count))
}

// RecordAuditSinkDropped records evicted entries lost before persistence
func (m *MetricsCollector) RecordAuditSinkDropped(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.auditSinkDropped.WithLabelValues(reason, m.serviceName).Add(float64(count))
}

// RecordPermissionOperation records a grant or revoke
func (m *MetricsCollector) RecordPermissionOperation(operation string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.permissionOps.WithLabelValues(operation, status, m.serviceName).Inc()
}

// RecordProofIssued records an issued proof by kind (age, role, disclosure)
func (m *MetricsCollector) RecordProofIssued(kind string) {
	if m == nil {
		return
	}
	m.proofsIssuedTotal.WithLabelValues(kind, m.serviceName).Inc()
}

// SetPoliciesLoaded records the policy store size
func (m *MetricsCollector) SetPoliciesLoaded(count int) {
	if m == nil {
		return
	}
	m.policiesLoaded.WithLabelValues(m.serviceName).Set(float64(count))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
