package indexer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if got := len(m.Collectors()); got != 7 {
		t.Errorf("expected 7 collectors, got %d", got)
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}

		expectedNames := map[string]bool{
			MetricEventsProcessed:    false,
			MetricEventsError:        false,
			MetricSessionsIndexed:    false,
			MetricSessionsBackfilled: false,
			MetricDuplicatesSkipped:  false,
			MetricReconnectAttempts:  false,
			MetricIngestLatency:      false,
		}
		for _, family := range families {
			if _, ok := expectedNames[family.GetName()]; ok {
				expectedNames[family.GetName()] = true
			}
		}
		for name, found := range expectedNames {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.(prometheus.Metric).Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getHistogramSampleCount(h prometheus.Histogram) uint64 {
	var m dto.Metric
	if err := h.(prometheus.Metric).Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	tests := []struct {
		name    string
		inc     func()
		counter prometheus.Counter
	}{
		{"events processed", m.IncEventsProcessed, m.eventsProcessed},
		{"events error", m.IncEventsError, m.eventsError},
		{"sessions indexed", m.IncSessionsIndexed, m.sessionsIndexed},
		{"sessions backfilled", m.IncSessionsBackfilled, m.sessionsBackfilled},
		{"duplicates skipped", m.IncDuplicatesSkipped, m.duplicatesSkipped},
		{"reconnect attempts", m.IncReconnectAttempts, m.reconnectAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := getCounterValue(tt.counter); v != 0 {
				t.Errorf("initial value = %f, want 0", v)
			}
			tt.inc()
			tt.inc()
			if v := getCounterValue(tt.counter); v != 2 {
				t.Errorf("value after two increments = %f, want 2", v)
			}
		})
	}
}

func TestMetrics_ObserveIngestLatency(t *testing.T) {
	m := NewMetrics()
	for _, l := range []float64{0.001, 0.01, 0.1, 1.0} {
		m.ObserveIngestLatency(l)
	}
	if c := getHistogramSampleCount(m.ingestLatency); c != 4 {
		t.Errorf("sample count = %d, want 4", c)
	}
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	const goroutines, iterations = 10, 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncEventsProcessed()
				m.IncSessionsIndexed()
				m.ObserveIngestLatency(0.001)
			}
		}()
	}
	wg.Wait()

	expected := float64(goroutines * iterations)
	if v := getCounterValue(m.eventsProcessed); v != expected {
		t.Errorf("eventsProcessed = %f, want %f", v, expected)
	}
	if v := getCounterValue(m.sessionsIndexed); v != expected {
		t.Errorf("sessionsIndexed = %f, want %f", v, expected)
	}
	if c := getHistogramSampleCount(m.ingestLatency); c != uint64(goroutines*iterations) {
		t.Errorf("ingestLatency sample count = %d, want %d", c, goroutines*iterations)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.IncEventsProcessed()
	m.IncEventsError()
	m.IncSessionsIndexed()
	m.IncSessionsBackfilled()
	m.IncDuplicatesSkipped()
	m.IncReconnectAttempts()
	m.ObserveIngestLatency(1)
}
