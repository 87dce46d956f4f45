/*
Logic: metrics registry for the ingest tool server (§6). Keeps the donor
gateway's hand-rolled Counter/Gauge/Histogram registry (observability/metrics.go)
verbatim in shape for the JSON metrics document the spec requires at
get_context/submit_query time, and additionally wires prometheus/client_golang
for the operator-facing /metrics Prometheus exposition endpoint — the donor
never imports client_golang (its own Handler hand-writes the exposition
format), so this is adopted from the rest of the retrieved pack
(CrlsMrls-dummybox, jordigilh-kubernaut) per the domain-stack expansion.
*/
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/breaker"
	"github.com/AlfredDev/actcore/internal/cache"
	"github.com/AlfredDev/actcore/internal/queue"
	"github.com/AlfredDev/actcore/internal/warehouse"
)

// ─── Hand-rolled JSON metric types (teacher style) ──────────

// Counter is a monotonically increasing value, scoped to one label set.
type Counter struct {
	labels map[string]string
	value  int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, scoped to one label set.
type Gauge struct {
	labels map[string]string
	value  int64 // stored as micros for float-like precision
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks value distributions with configurable buckets, scoped to
// one label set.
type Histogram struct {
	labels map[string]string

	mu      sync.Mutex
	buckets []float64
	counts  []int64 // per-bucket counts (+ Inf)
	sum     float64
	count   int64
}

func NewHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{buckets: sorted, counts: make([]int64, len(sorted)+1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	placed := false
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			placed = true
			break
		}
	}
	if !placed {
		h.counts[len(h.buckets)]++
	}
}

// quantileLocked estimates the p-th quantile (0..1) by linear interpolation
// across the cumulative bucket counts, the same approximation
// histogram_quantile uses against a Prometheus bucketed histogram. Caller
// holds h.mu.
func (h *Histogram) quantileLocked(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := p * float64(h.count)
	var cumulative int64
	lowerBound := 0.0
	for i, b := range h.buckets {
		next := cumulative + h.counts[i]
		if float64(next) >= target {
			if h.counts[i] == 0 {
				return b
			}
			frac := (target - float64(cumulative)) / float64(h.counts[i])
			return lowerBound + frac*(b-lowerBound)
		}
		cumulative = next
		lowerBound = b
	}
	// everything observed landed in the +Inf overflow bucket; report the
	// last finite boundary, the best available upper estimate.
	if len(h.buckets) > 0 {
		return h.buckets[len(h.buckets)-1]
	}
	return 0
}

func (h *Histogram) snapshotJSON() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.count
	if n == 0 {
		return map[string]interface{}{"count": 0}
	}
	return map[string]interface{}{
		"count": n,
		"sum":   h.sum,
		"mean":  h.sum / float64(n),
		"p50":   h.quantileLocked(0.50),
		"p95":   h.quantileLocked(0.95),
		"p99":   h.quantileLocked(0.99),
	}
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// labeledSeries renders one {labels,value} entry for the JSON document.
type labeledSeries struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  interface{}       `json:"value"`
}

// ─── Registry ────────────────────────────────────────────────

// Sources binds the live subsystem snapshots §6 requires alongside the
// hand-rolled counters — queue depth, warehouse pool stats, breaker states,
// and cache hit rate/latency — so JSONDocument can report more than what
// passes through CounterInc/GaugeSet/HistogramObserve. Any field left nil
// is simply omitted from the document (e.g. in tests that don't wire a
// full stack).
type Sources struct {
	Queue   *queue.Queue
	Pool    *warehouse.Manager
	Breaker *breaker.Breaker
	Cache   *cache.TwoTier
}

// Metrics is the ingest tool server's combined metrics registry: an
// in-process JSON-document view plus a Prometheus collector.
type Metrics struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	latencyBuckets []float64

	sourcesMu sync.RWMutex
	sources   Sources

	promRequests  *prometheus.CounterVec
	promLatencyMs *prometheus.HistogramVec
	promCacheHits *prometheus.CounterVec
	promQueueDrop prometheus.Counter
	promPoolConns *prometheus.GaugeVec
}

// NewMetrics creates the metrics registry and registers its Prometheus
// collectors against the default registry.
func NewMetrics(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger:         logger.With().Str("component", "metrics").Logger(),
		counters:       make(map[string]map[string]*Counter),
		gauges:         make(map[string]map[string]*Gauge),
		histograms:     make(map[string]map[string]*Histogram),
		latencyBuckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},

		promRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "act_ingest_requests_total",
			Help: "Total tool-server RPC requests by operation and outcome.",
		}, []string{"operation", "status"}),
		promLatencyMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "act_ingest_request_duration_ms",
			Help:    "RPC latency in milliseconds by operation.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"operation"}),
		promCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "act_ingest_cache_lookups_total",
			Help: "Context cache lookups by tier (l1, l2, warehouse, negative).",
		}, []string{"tier"}),
		promQueueDrop: promauto.NewCounter(prometheus.CounterOpts{
			Name: "act_ingest_queue_dropped_total",
			Help: "Events dropped because the append queue buffer was full.",
		}),
		promPoolConns: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "act_ingest_warehouse_pool_conns",
			Help: "Open warehouse connections by identity.",
		}, []string{"identity"}),
	}
}

// BindSources attaches the live subsystem snapshots JSONDocument reports
// alongside the hand-rolled counters. Called once during wiring, after the
// subsystems it references have been constructed.
func (m *Metrics) BindSources(s Sources) {
	m.sourcesMu.Lock()
	defer m.sourcesMu.Unlock()
	m.sources = s
}

// TrackRequest records one completed RPC for both the JSON document and the
// Prometheus exposition.
func (m *Metrics) TrackRequest(operation, status string, latencyMs float64) {
	labels := map[string]string{"operation": operation, "status": status}
	m.CounterInc("act_ingest_requests_total", labels)
	m.HistogramObserve("act_ingest_request_duration_ms", map[string]string{"operation": operation}, latencyMs)

	m.promRequests.WithLabelValues(operation, status).Inc()
	m.promLatencyMs.WithLabelValues(operation).Observe(latencyMs)
}

// TrackCacheLookup records a cache tier hit/miss.
func (m *Metrics) TrackCacheLookup(tier string) {
	m.CounterInc("act_ingest_cache_lookups_total", map[string]string{"tier": tier})
	m.promCacheHits.WithLabelValues(tier).Inc()
}

// TrackQueueDrop records a dropped enqueue.
func (m *Metrics) TrackQueueDrop() {
	m.CounterInc("act_ingest_queue_dropped_total", nil)
	m.promQueueDrop.Inc()
}

// SetPoolConns records the current connection count for an identity. Called
// from the warehouse pool's liveness probe on every cycle, one identity at
// a time.
func (m *Metrics) SetPoolConns(identity string, n int) {
	m.GaugeSet("act_ingest_warehouse_pool_conns", map[string]string{"identity": identity}, float64(n))
	m.promPoolConns.WithLabelValues(identity).Set(float64(n))
}

func (m *Metrics) CounterInc(name string, labels map[string]string) { m.getCounter(name, labels).Inc() }
func (m *Metrics) CounterAdd(name string, labels map[string]string, n int64) {
	m.getCounter(name, labels).Add(n)
}

func (m *Metrics) getCounter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.counters[name]; ok {
		if c, ok := byName[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*Counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &Counter{labels: labels}
	}
	return m.counters[name][key]
}

func (m *Metrics) GaugeSet(name string, labels map[string]string, v float64) { m.getGauge(name, labels).Set(v) }

func (m *Metrics) getGauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.gauges[name]; ok {
		if g, ok := byName[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &Gauge{labels: labels}
	}
	return m.gauges[name][key]
}

func (m *Metrics) HistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels).Observe(v)
}

func (m *Metrics) getHistogram(name string, labels map[string]string) *Histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.histograms[name]; ok {
		if h, ok := byName[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		h := NewHistogram(m.latencyBuckets)
		h.labels = labels
		m.histograms[name][key] = h
	}
	return m.histograms[name][key]
}

// JSONDocument renders the hand-rolled registry as the JSON metrics
// document §6 requires alongside /metrics: per-op counts, latency
// percentiles, cache hit rate, queue depth, pool stats, and breaker states.
func (m *Metrics) JSONDocument() map[string]interface{} {
	m.mu.RLock()
	counters := make(map[string]interface{}, len(m.counters))
	for name, byLabel := range m.counters {
		series := make([]labeledSeries, 0, len(byLabel))
		for _, c := range byLabel {
			series = append(series, labeledSeries{Labels: c.labels, Value: c.Value()})
		}
		counters[name] = series
	}
	gauges := make(map[string]interface{}, len(m.gauges))
	for name, byLabel := range m.gauges {
		series := make([]labeledSeries, 0, len(byLabel))
		for _, g := range byLabel {
			series = append(series, labeledSeries{Labels: g.labels, Value: g.Value()})
		}
		gauges[name] = series
	}
	histograms := make(map[string]interface{}, len(m.histograms))
	for name, byLabel := range m.histograms {
		series := make([]labeledSeries, 0, len(byLabel))
		for _, h := range byLabel {
			series = append(series, labeledSeries{Labels: h.labels, Value: h.snapshotJSON()})
		}
		histograms[name] = series
	}
	m.mu.RUnlock()

	doc := map[string]interface{}{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"counters":     counters,
		"gauges":       gauges,
		"histograms":   histograms,
	}

	m.sourcesMu.RLock()
	src := m.sources
	m.sourcesMu.RUnlock()

	if src.Queue != nil {
		qs := src.Queue.Metrics()
		doc["queue"] = map[string]interface{}{
			"enqueued":  qs.Enqueued,
			"written":   qs.Written,
			"dropped":   qs.Dropped,
			"rotations": qs.Rotations,
			"depth":     qs.Enqueued - qs.Written,
		}
	}
	if src.Pool != nil {
		ps := src.Pool.Metrics()
		doc["warehouse_pool"] = map[string]interface{}{
			"checkouts": ps.Checkouts,
			"waiting":   ps.Waiting,
			"pools":     ps.Pools,
		}
	}
	if src.Breaker != nil {
		breakers := make(map[string]interface{}, 0)
		for identity, snap := range src.Breaker.All() {
			breakers[identity] = map[string]interface{}{
				"state":         snap.State,
				"failure_count": snap.FailureCount,
				"success_count": snap.SuccessCount,
				"last_failure":  snap.LastFailure,
				"last_success":  snap.LastSuccess,
				"next_retry":    snap.NextRetry,
			}
		}
		doc["breakers"] = breakers
	}
	if src.Cache != nil {
		p50, p95, p99 := src.Cache.LatencyPercentiles()
		cs := src.Cache.L1Stats()
		total := cs.Hits + cs.Misses + cs.NegativeHits
		var hitRate float64
		if total > 0 {
			hitRate = float64(cs.Hits) / float64(total)
		}
		doc["cache"] = map[string]interface{}{
			"hit_rate":      hitRate,
			"hits":          cs.Hits,
			"misses":        cs.Misses,
			"negative_hits": cs.NegativeHits,
			"evictions":     cs.Evictions,
			"l1_size":       cs.Size,
			"p50_ms":        p50.Seconds() * 1000,
			"p95_ms":        p95.Seconds() * 1000,
			"p99_ms":        p99.Seconds() * 1000,
		}
	}

	return doc
}

// PrometheusHandler returns the standard promhttp exposition handler.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
