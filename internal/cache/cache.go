/*
Logic: two-tier context cache orchestration (§5: L1 in-process, L2 shared
Redis, warehouse on full miss). L2 is raced against a hard 15ms timeout so a
degraded Redis never eats into get_context's overall latency budget — if L2
hasn't answered in time the caller falls through to the warehouse as though
it were a miss, and the late L2 answer (if it arrives) is dropped rather
than written to L1. Grounded on the donor's caching.Engine two-level lookup flow
(exact-index fast path, then broader search, §"Lookup") generalized from
one cache tier to two.
*/
package cache

import (
	"context"
	"time"
)

const l2RaceTimeout = 15 * time.Millisecond

// Loader fetches a context record from the warehouse on a full cache miss.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

// TwoTier orchestrates L1 -> L2 -> Loader with negative caching.
type TwoTier struct {
	l1     *L1
	l2     *L2
	loader Loader
	l2TTL  time.Duration

	latencies *latencyWindow
}

// New creates a two-tier cache. l2 may be nil to run L1-only (e.g. in tests
// or when L2_HOST is empty — §5 allows degraded single-tier operation).
func New(l1 *L1, l2 *L2, l2TTL time.Duration, loader Loader) *TwoTier {
	return &TwoTier{
		l1:        l1,
		l2:        l2,
		loader:    loader,
		l2TTL:     l2TTL,
		latencies: newLatencyWindow(512),
	}
}

// Result describes which tier answered a Get call, for metrics/logging.
type Result struct {
	Value interface{}
	Found bool
	Tier  string // "l1", "l2", "warehouse", "negative"
}

// Get resolves key through L1, then L2 (raced against a hard timeout), then
// the loader, populating faster tiers on the way back out.
func (c *TwoTier) Get(ctx context.Context, key string) (Result, error) {
	start := time.Now()
	res, err := c.get(ctx, key)
	c.latencies.record(time.Since(start))
	return res, err
}

func (c *TwoTier) get(ctx context.Context, key string) (Result, error) {
	if v, negative, ok := c.l1.Get(key); ok {
		if negative {
			return Result{Found: false, Tier: "negative"}, nil
		}
		return Result{Value: v, Found: true, Tier: "l1"}, nil
	}

	if c.l2 != nil {
		if v, ok := c.raceL2(ctx, key); ok {
			c.l1.Set(key, v)
			return Result{Value: v, Found: true, Tier: "l2"}, nil
		}
	}

	if c.loader == nil {
		c.l1.SetNegative(key)
		return Result{Found: false, Tier: "negative"}, nil
	}

	value, found, err := c.loader(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !found {
		c.l1.SetNegative(key)
		return Result{Found: false, Tier: "negative"}, nil
	}

	c.l1.Set(key, value)
	if c.l2 != nil {
		go c.warmL2(key, value)
	}
	return Result{Value: value, Found: true, Tier: "warehouse"}, nil
}

// raceL2 gives L2 at most l2RaceTimeout to answer. A timeout is treated
// identically to a miss; the late result, if any, is dropped.
func (c *TwoTier) raceL2(ctx context.Context, key string) (interface{}, bool) {
	raceCtx, cancel := context.WithTimeout(ctx, l2RaceTimeout)
	defer cancel()

	type outcome struct {
		val interface{}
		ok  bool
	}
	ch := make(chan outcome, 1)
	go func() {
		var v map[string]interface{}
		err := c.l2.Get(context.Background(), key, &v)
		ch <- outcome{val: v, ok: err == nil}
	}()

	select {
	case o := <-ch:
		return o.val, o.ok
	case <-raceCtx.Done():
		return nil, false
	}
}

func (c *TwoTier) warmL2(key string, value interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.l2.Set(ctx, key, value, c.l2TTL)
}

// Invalidate drops key from both tiers, used after a successful
// UPDATE_CONTEXT write so stale copies can't be served.
func (c *TwoTier) Invalidate(ctx context.Context, key string) {
	c.l1.Invalidate(key)
	if c.l2 != nil {
		_ = c.l2.Del(ctx, key)
	}
}

// LatencyPercentiles returns p50/p95/p99 get-latency over the recent window.
func (c *TwoTier) LatencyPercentiles() (p50, p95, p99 time.Duration) {
	return c.latencies.percentiles()
}

// L1Stats exposes the inner L1 snapshot for the metrics endpoint.
func (c *TwoTier) L1Stats() Stats {
	return c.l1.Snapshot()
}
