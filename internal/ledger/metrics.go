package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricSessionsRecorded     = "ledger_sessions_recorded_total"
	MetricRecordFailures       = "ledger_record_failures_total"
	MetricRecordDuration       = "ledger_record_duration_seconds"
	MetricAdminActions         = "ledger_admin_actions_total"
	MetricEventPublishFailures = "ledger_event_publish_failures_total"
	MetricAuditFailures        = "ledger_audit_failures_total"
)

// Failure reasons used as the reason label of MetricRecordFailures.
const (
	ReasonInvalidInput          = "invalid_input"
	ReasonUnauthorized          = "unauthorized"
	ReasonProviderNotAuthorized = "provider_not_authorized"
	ReasonNotInitialized        = "not_initialized"
	ReasonStore                 = "store_error"
)

// Metrics contains Prometheus metrics for ledger operations.
// All operations are thread-safe.
type Metrics struct {
	sessionsRecorded     *prometheus.CounterVec
	recordFailures       *prometheus.CounterVec
	recordDuration       prometheus.Histogram
	adminActions         *prometheus.CounterVec
	eventPublishFailures prometheus.Counter
	auditFailures        prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		sessionsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSessionsRecorded,
				Help: "Total number of sessions recorded by kind",
			},
			[]string{"kind"},
		),
		recordFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecordFailures,
				Help: "Total number of rejected or failed session recordings by reason",
			},
			[]string{"reason"},
		),
		recordDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRecordDuration,
				Help:    "Histogram of session recording latency in seconds",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		adminActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAdminActions,
				Help: "Total number of administrative actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		eventPublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricEventPublishFailures,
				Help: "Total number of committed sessions whose event could not be published",
			},
		),
		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricAuditFailures,
				Help: "Total number of administrative actions that could not be written to the audit trail",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sessionsRecorded,
		m.recordFailures,
		m.recordDuration,
		m.adminActions,
		m.eventPublishFailures,
		m.auditFailures,
	}
}

// The methods below accept a nil receiver so the ledger can run unmetered.

// IncSessionsRecorded increments the recorded sessions counter for kind.
func (m *Metrics) IncSessionsRecorded(kind string) {
	if m == nil {
		return
	}
	m.sessionsRecorded.WithLabelValues(kind).Inc()
}

// IncRecordFailures increments the failure counter for reason.
func (m *Metrics) IncRecordFailures(reason string) {
	if m == nil {
		return
	}
	m.recordFailures.WithLabelValues(reason).Inc()
}

// ObserveRecordDuration records a recording latency sample.
func (m *Metrics) ObserveRecordDuration(seconds float64) {
	if m == nil {
		return
	}
	m.recordDuration.Observe(seconds)
}

// IncAdminActions increments the admin action counter.
func (m *Metrics) IncAdminActions(action, outcome string) {
	if m == nil {
		return
	}
	m.adminActions.WithLabelValues(action, outcome).Inc()
}

// IncEventPublishFailures increments the publish failure counter.
func (m *Metrics) IncEventPublishFailures() {
	if m == nil {
		return
	}
	m.eventPublishFailures.Inc()
}

// IncAuditFailures increments the audit failure counter.
func (m *Metrics) IncAuditFailures() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}
