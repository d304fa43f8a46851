package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsProcessed    = "indexer_events_processed_total"
	MetricEventsError        = "indexer_events_error_total"
	MetricSessionsIndexed    = "indexer_sessions_indexed_total"
	MetricSessionsBackfilled = "indexer_sessions_backfilled_total"
	MetricDuplicatesSkipped  = "indexer_duplicates_skipped_total"
	MetricReconnectAttempts  = "indexer_reconnect_attempts_total"
	MetricIngestLatency      = "indexer_ingest_latency_seconds"
)

// Metrics contains Prometheus metrics for the indexer.
// All operations are thread-safe, and all methods are no-ops on a nil
// receiver.
type Metrics struct {
	eventsProcessed    prometheus.Counter
	eventsError        prometheus.Counter
	sessionsIndexed    prometheus.Counter
	sessionsBackfilled prometheus.Counter
	duplicatesSkipped  prometheus.Counter
	reconnectAttempts  prometheus.Counter
	ingestLatency      prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsProcessed,
			Help: "Total number of ledger events processed by the indexer",
		}),
		eventsError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricEventsError,
			Help: "Total number of events that could not be decoded or stored",
		}),
		sessionsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSessionsIndexed,
			Help: "Total number of sessions written to the projection",
		}),
		sessionsBackfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSessionsBackfilled,
			Help: "Total number of sessions fetched from the API to fill gaps",
		}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDuplicatesSkipped,
			Help: "Total number of events for sessions that were already indexed",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReconnectAttempts,
			Help: "Total number of failed event stream connection attempts",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricIngestLatency,
			Help:    "Histogram of event ingestion latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
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

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsProcessed,
		m.eventsError,
		m.sessionsIndexed,
		m.sessionsBackfilled,
		m.duplicatesSkipped,
		m.reconnectAttempts,
		m.ingestLatency,
	}
}

// IncEventsProcessed increments the events processed counter.
func (m *Metrics) IncEventsProcessed() {
	if m != nil {
		m.eventsProcessed.Inc()
	}
}

// IncEventsError increments the events error counter.
func (m *Metrics) IncEventsError() {
	if m != nil {
		m.eventsError.Inc()
	}
}

// IncSessionsIndexed increments the sessions indexed counter.
func (m *Metrics) IncSessionsIndexed() {
	if m != nil {
		m.sessionsIndexed.Inc()
	}
}

// IncSessionsBackfilled increments the backfilled sessions counter.
func (m *Metrics) IncSessionsBackfilled() {
	if m != nil {
		m.sessionsBackfilled.Inc()
	}
}

// IncDuplicatesSkipped increments the duplicates counter.
func (m *Metrics) IncDuplicatesSkipped() {
	if m != nil {
		m.duplicatesSkipped.Inc()
	}
}

// IncReconnectAttempts increments the failed connection counter.
func (m *Metrics) IncReconnectAttempts() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

// ObserveIngestLatency records an ingestion latency sample.
func (m *Metrics) ObserveIngestLatency(seconds float64) {
	if m != nil {
		m.ingestLatency.Observe(seconds)
	}
}
