/*
Logic: in-process L1 cache — bounded LRU with per-entry TTL and a
negative-existence filter so repeated lookups for customers known not to
exist skip the warehouse entirely (§5.1, §C "negative-cache filter").
Grounded on the donor's caching.Engine (caching/caching.go), keeping its
atomic hit/miss counters but replacing its namespace-sharded map-of-slices
and RWMutex with one map plus an LRU list under a single Mutex, and
narrowed from semantic similarity search down to exact-key LRU+TTL since
context records are looked up by customer ID, not prompt similarity.
*/
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// entry is one L1 slot. negative marks a cached "not found" result so the
// caller can short-circuit without touching L2 or the warehouse.
type entry struct {
	key       string
	value     interface{}
	negative  bool
	expiresAt time.Time
	elem      *list.Element
}

// L1 is a bounded, TTL'd, LRU-evicted in-process cache.
type L1 struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	negTTL   time.Duration
	entries  map[string]*entry
	order    *list.List // front = most recently used

	hits     int64
	misses   int64
	negHits  int64
	evictions int64
}

// NewL1 creates an L1 cache bounded to maxSize entries.
func NewL1(maxSize int, ttl, negativeTTL time.Duration) *L1 {
	return &L1{
		maxSize: maxSize,
		ttl:     ttl,
		negTTL:  negativeTTL,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// Get returns (value, negative, found). negative=true means a cached
// negative result (key confirmed absent upstream).
func (l *L1) Get(key string) (interface{}, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		atomic.AddInt64(&l.misses, 1)
		return nil, false, false
	}
	if time.Now().After(e.expiresAt) {
		l.removeLocked(e)
		atomic.AddInt64(&l.misses, 1)
		return nil, false, false
	}
	l.order.MoveToFront(e.elem)
	if e.negative {
		atomic.AddInt64(&l.negHits, 1)
		return nil, true, true
	}
	atomic.AddInt64(&l.hits, 1)
	return e.value, false, true
}

// Set stores a positive value with the standard TTL.
func (l *L1) Set(key string, value interface{}) {
	l.setLocked(key, value, false, l.ttl)
}

// SetNegative records that key is known absent upstream, capped at the
// (shorter) negative TTL so a later write is picked up promptly.
func (l *L1) SetNegative(key string) {
	l.setLocked(key, nil, true, l.negTTL)
}

func (l *L1) setLocked(key string, value interface{}, negative bool, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[key]; ok {
		existing.value = value
		existing.negative = negative
		existing.expiresAt = time.Now().Add(ttl)
		l.order.MoveToFront(existing.elem)
		return
	}

	e := &entry{key: key, value: value, negative: negative, expiresAt: time.Now().Add(ttl)}
	e.elem = l.order.PushFront(e)
	l.entries[key] = e

	for l.order.Len() > l.maxSize {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.removeLocked(oldest.Value.(*entry))
		atomic.AddInt64(&l.evictions, 1)
	}
}

// Invalidate removes key from L1 (e.g. after an UPDATE_CONTEXT write).
func (l *L1) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		l.removeLocked(e)
	}
}

func (l *L1) removeLocked(e *entry) {
	l.order.Remove(e.elem)
	delete(l.entries, e.key)
}

// Stats is a point-in-time snapshot of L1 activity.
type Stats struct {
	Hits       int64
	Misses     int64
	NegativeHits int64
	Evictions  int64
	Size       int
}

// Snapshot returns current L1 counters.
func (l *L1) Snapshot() Stats {
	l.mu.Lock()
	size := l.order.Len()
	l.mu.Unlock()
	return Stats{
		Hits:         atomic.LoadInt64(&l.hits),
		Misses:       atomic.LoadInt64(&l.misses),
		NegativeHits: atomic.LoadInt64(&l.negHits),
		Evictions:    atomic.LoadInt64(&l.evictions),
		Size:         size,
	}
}
