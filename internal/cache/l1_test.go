package cache

import (
	"testing"
	"time"
)

func TestL1SetGet(t *testing.T) {
	l1 := NewL1(10, time.Minute, time.Second)
	l1.Set("a", "value-a")
	v, negative, found := l1.Get("a")
	if !found || negative || v != "value-a" {
		t.Errorf("got (%v, %v, %v), want (value-a, false, true)", v, negative, found)
	}
}

func TestL1Miss(t *testing.T) {
	l1 := NewL1(10, time.Minute, time.Second)
	_, _, found := l1.Get("missing")
	if found {
		t.Error("expected miss for unset key")
	}
}

func TestL1NegativeCache(t *testing.T) {
	l1 := NewL1(10, time.Minute, time.Second)
	l1.SetNegative("nope")
	_, negative, found := l1.Get("nope")
	if !found || !negative {
		t.Errorf("expected negative hit, got found=%v negative=%v", found, negative)
	}
}

func TestL1TTLExpiry(t *testing.T) {
	l1 := NewL1(10, 10*time.Millisecond, 10*time.Millisecond)
	l1.Set("a", "v")
	time.Sleep(20 * time.Millisecond)
	_, _, found := l1.Get("a")
	if found {
		t.Error("expected entry to expire")
	}
}

func TestL1LRUEviction(t *testing.T) {
	l1 := NewL1(2, time.Minute, time.Minute)
	l1.Set("a", 1)
	l1.Set("b", 2)
	l1.Get("a") // touch a, making b the LRU victim
	l1.Set("c", 3)

	if _, _, found := l1.Get("b"); found {
		t.Error("expected b to be evicted as least recently used")
	}
	if _, _, found := l1.Get("a"); !found {
		t.Error("expected a to survive eviction")
	}
	if _, _, found := l1.Get("c"); !found {
		t.Error("expected c to be present")
	}
}

func TestL1Invalidate(t *testing.T) {
	l1 := NewL1(10, time.Minute, time.Minute)
	l1.Set("a", "v")
	l1.Invalidate("a")
	if _, _, found := l1.Get("a"); found {
		t.Error("expected invalidated key to miss")
	}
}

func TestL1Snapshot(t *testing.T) {
	l1 := NewL1(10, time.Minute, time.Minute)
	l1.Set("a", "v")
	l1.Get("a")
	l1.Get("missing")
	stats := l1.Snapshot()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected snapshot: %+v", stats)
	}
}
