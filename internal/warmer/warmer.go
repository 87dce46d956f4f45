/*
Logic: cache warmer that periodically reloads L1/L2 for the customers most
likely to be requested next: top access-frequency, recently active, and
customers the warehouse reports active (GET_ACTIVE_CUSTOMERS) within ten
times RefreshBuffer. It does not look at L1 entry expiry times. Adapted from
the donor's analytics.Pipeline (analytics/ingestion.go)
periodic-worker-with-ticker shape, generalized from event-batch flushing to
a scheduled warm pass that loads each target through cache.Get one customer
at a time; there is no batched IN(...) context fetch.
*/
package warmer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/cache"
	"github.com/AlfredDev/actcore/internal/warehouse"
)

const maxWarmTargets = 100

// AccessTracker records per-customer access frequency so the warmer can
// rank candidates. The server's get_context handler feeds this.
type AccessTracker struct {
	mu      sync.Mutex
	counts  map[string]int64
	lastHit map[string]time.Time
}

// Config tunes the warmer's schedule and refresh buffer.
type Config struct {
	Interval      time.Duration
	RefreshBuffer time.Duration // active-customer lookback is ten times this
	TopK          int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		RefreshBuffer: 30 * time.Second,
		TopK:          maxWarmTargets,
	}
}

// Warmer periodically refreshes the hottest context records into L1/L2.
type Warmer struct {
	logger  zerolog.Logger
	cache   *cache.TwoTier
	client  *warehouse.Client
	tracker *AccessTracker
	cfg     Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a warmer bound to the two-tier cache and warehouse client.
func New(logger zerolog.Logger, c *cache.TwoTier, client *warehouse.Client, tracker *AccessTracker, cfg Config) *Warmer {
	if cfg.TopK <= 0 || cfg.TopK > maxWarmTargets {
		cfg.TopK = maxWarmTargets
	}
	return &Warmer{
		logger:  logger.With().Str("component", "cache_warmer").Logger(),
		cache:   c,
		client:  client,
		tracker: tracker,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// Start launches the periodic warm loop.
func (w *Warmer) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.loop(ctx)
}

// Stop halts the warm loop.
func (w *Warmer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Warmer) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.warmOnce(ctx)
		}
	}
}

// warmOnce computes the target customer set and loads each into cache.
func (w *Warmer) warmOnce(ctx context.Context) {
	targets := w.selectTargets(ctx)
	if len(targets) == 0 {
		return
	}

	warmed := 0
	for _, customerID := range targets {
		w.cache.Invalidate(ctx, customerID) // force a fresh load rather than trust a stale L1 copy
		if res, err := w.cache.Get(ctx, customerID); err == nil && res.Found {
			warmed++
		}
	}
	w.logger.Debug().Int("targets", len(targets)).Int("warmed", warmed).Msg("cache warm pass complete")
}

// selectTargets merges top-frequency, recently-active (from the in-process
// tracker), and warehouse-reported active customers (via GET_ACTIVE_CUSTOMERS,
// bulk-limited to TopK), deduped and capped at TopK.
func (w *Warmer) selectTargets(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(id string) bool {
		if seen[id] || id == "" {
			return false
		}
		seen[id] = true
		out = append(out, id)
		return len(out) >= w.cfg.TopK
	}

	for _, id := range w.tracker.topN(w.cfg.TopK) {
		if add(id) {
			return out
		}
	}
	for _, id := range w.tracker.recentlyActive(w.cfg.Interval * 5) {
		if add(id) {
			return out
		}
	}

	since := time.Now().Add(-w.cfg.RefreshBuffer * 10).UTC().Format(time.RFC3339)
	rows, err := w.client.Query(ctx, "", "GET_ACTIVE_CUSTOMERS", since, int64(w.cfg.TopK))
	if err != nil {
		w.logger.Warn().Err(err).Msg("active-customers warm query failed")
		return out
	}
	for _, row := range rows {
		customerID, _ := row["customer"].(string)
		if add(customerID) {
			break
		}
	}
	return out
}

// NewAccessTracker creates an empty access tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{counts: make(map[string]int64), lastHit: make(map[string]time.Time)}
}

// RecordAccess increments a customer's access counter and last-seen time.
func (t *AccessTracker) RecordAccess(customerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[customerID]++
	t.lastHit[customerID] = time.Now()
}

func (t *AccessTracker) topN(n int) []string {
	t.mu.Lock()
	type kv struct {
		id    string
		count int64
	}
	all := make([]kv, 0, len(t.counts))
	for id, c := range t.counts {
		all = append(all, kv{id, c})
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.id
	}
	return out
}

func (t *AccessTracker) recentlyActive(within time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-within)
	var out []string
	for id, last := range t.lastHit {
		if last.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
