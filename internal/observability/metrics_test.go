package observability

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// NewMetrics registers Prometheus collectors against the global default
// registry, so it's called exactly once per test binary run and shared
// across the tests below (mirrors internal/server's newTestServer).
var (
	sharedTestMetricsOnce sync.Once
	sharedTestMetrics     *Metrics
)

func newTestMetrics() *Metrics {
	sharedTestMetricsOnce.Do(func() {
		sharedTestMetrics = NewMetrics(zerolog.Nop())
	})
	return sharedTestMetrics
}

func TestJSONDocumentPreservesPerLabelCounters(t *testing.T) {
	m := newTestMetrics()
	m.TrackRequest("get_context", "success", 5)
	m.TrackRequest("get_context", "error", 10)
	m.TrackRequest("log_event", "success", 1)

	doc := m.JSONDocument()
	series, ok := doc["counters"].(map[string]interface{})["act_ingest_requests_total"].([]labeledSeries)
	if !ok {
		t.Fatalf("expected []labeledSeries, got %T", doc["counters"].(map[string]interface{})["act_ingest_requests_total"])
	}
	if len(series) != 3 {
		t.Fatalf("expected 3 distinct operation/status series, got %d: %+v", len(series), series)
	}
}

func TestHistogramQuantilesAreMonotonic(t *testing.T) {
	h := NewHistogram([]float64{1, 2, 5, 10, 25, 50, 100})
	for _, v := range []float64{1, 2, 2, 5, 5, 5, 10, 25, 50, 100} {
		h.Observe(v)
	}
	snap := h.snapshotJSON()
	p50 := snap["p50"].(float64)
	p95 := snap["p95"].(float64)
	p99 := snap["p99"].(float64)
	if !(p50 <= p95 && p95 <= p99) {
		t.Errorf("expected p50 <= p95 <= p99, got %v <= %v <= %v", p50, p95, p99)
	}
}

func TestEmptyHistogramSnapshotHasNoQuantiles(t *testing.T) {
	h := NewHistogram([]float64{1, 2, 5})
	snap := h.snapshotJSON()
	if snap["count"] != 0 {
		t.Errorf("expected count 0, got %v", snap["count"])
	}
	if _, ok := snap["p50"]; ok {
		t.Error("expected no percentiles on an empty histogram")
	}
}

func TestJSONDocumentOmitsUnboundSources(t *testing.T) {
	m := newTestMetrics()
	doc := m.JSONDocument()
	for _, key := range []string{"queue", "warehouse_pool", "breakers", "cache"} {
		if _, ok := doc[key]; ok {
			t.Errorf("expected %q to be absent when no source is bound", key)
		}
	}
}

func TestSetPoolConnsUpdatesGauge(t *testing.T) {
	m := newTestMetrics()
	m.SetPoolConns("primary", 7)

	doc := m.JSONDocument()
	series := doc["gauges"].(map[string]interface{})["act_ingest_warehouse_pool_conns"].([]labeledSeries)
	if len(series) != 1 || series[0].Value.(float64) != 7 {
		t.Errorf("expected a single gauge series with value 7, got %+v", series)
	}
}
