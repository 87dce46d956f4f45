package queue

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestEnqueueWritesToActiveSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	q := newTestQueue(t, cfg)

	if err := q.Enqueue(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Give the background writer a moment to drain the channel.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Metrics().Written == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.Metrics().Written != 1 {
		t.Fatalf("expected 1 write recorded, got %+v", q.Metrics())
	}
}

func TestEnqueueOverloadedWhenBufferFull(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.BufferSize = 1
	q, err := New(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer q.Close()

	// Holding q.mu stalls the writer after it takes at most one record, so
	// with a one-slot channel no more than two of three sends can succeed.
	q.mu.Lock()
	var enqErr error
	for i := 0; i < 3 && enqErr == nil; i++ {
		enqErr = q.Enqueue(map[string]string{"k": "v"})
	}
	q.mu.Unlock()
	if enqErr == nil {
		t.Error("expected Overloaded error on a full queue buffer")
	}
}

func TestRotationOnEventCount(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentEvents = 2
	q := newTestQueue(t, cfg)

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(map[string]int{"i": i}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Metrics().Rotations >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.Metrics().Rotations < 1 {
		t.Errorf("expected at least one rotation, got %+v", q.Metrics())
	}
}

func TestSealedSegmentsListsSegFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MaxSegmentEvents = 1
	q := newTestQueue(t, cfg)

	if err := q.Enqueue(map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(map[string]string{"b": "2"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	var segs []string
	for time.Now().Before(deadline) {
		var err error
		segs, err = SealedSegments(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(segs) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(segs) == 0 {
		t.Fatal("expected at least one sealed segment after rotation")
	}
	for _, s := range segs {
		if got := s[len(s)-4:]; got != ".seg" {
			t.Errorf("expected .seg suffix, got %q", s)
		}
	}
}

func TestCloseSealsFinalNonEmptySegment(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	q, err := New(zerolog.Nop(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	q.Close()

	segs, err := SealedSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected exactly 1 sealed segment on close, got %d", len(segs))
	}
}

func TestNewCreatesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, DefaultConfig(dir))
	_ = q
	for _, sub := range []string{"active", "processed", "error"} {
		if _, err := os.Stat(dir + "/" + sub); err != nil {
			t.Errorf("expected subdirectory %s to exist: %v", sub, err)
		}
	}
}
