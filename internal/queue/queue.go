/*
Logic: durable append-only, segment-rotating NDJSON queue (§4, §6) sitting
between the tool server's log_event/log_insight handlers and the uploader.
Grounded on two donor shapes combined: the crash-safe append pattern from
quantumlife-canon-core's storelog.FileLog (O_APPEND|O_CREATE|O_WRONLY +
explicit Sync per write, serializing mutex) for durability, and the
buffered-channel-with-batch-worker shape of the Sergey-Bar-Alfred gateway's
analytics.Pipeline (analytics/ingestion.go) for the non-blocking
backpressure-aware ingest path. Segments rotate on size, age, or event
count, matching §4's "segment rotation" requirement that FileLog's
single-file model doesn't have; nothing here is a literal copy of either
source.
*/
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/apierr"
)

// Config tunes segment rotation and backpressure.
type Config struct {
	Dir            string
	MaxSegmentSize int64         // bytes
	MaxSegmentAge  time.Duration
	MaxSegmentEvents int
	MaxQueuedBytes int64 // hard backpressure cap across all open segments
	BufferSize     int   // in-memory channel depth before Overloaded
}

// DefaultConfig returns production defaults (§6 QUEUE_MAX_* env vars).
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		MaxSegmentSize:   64 * 1024 * 1024,
		MaxSegmentAge:    5 * time.Minute,
		MaxSegmentEvents: 50000,
		MaxQueuedBytes:   2 * 1024 * 1024 * 1024,
		BufferSize:       10000,
	}
}

// Queue is an append-only, segment-rotating record store. Writers call
// Enqueue; a background writer goroutine serializes to the active segment
// and rotates it under size/age/count pressure.
type Queue struct {
	logger zerolog.Logger
	cfg    Config

	ch     chan json.RawMessage
	closed chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	activeFile  *os.File
	activeWr    *bufio.Writer
	activePath  string
	activeSize  int64
	activeCount int
	openedAt    time.Time

	enqueued int64
	written  int64
	dropped  int64
	rotations int64
}

// New creates a queue rooted at cfg.Dir, creating the active/ and
// processed/ and error/ subdirectories the uploader expects.
func New(logger zerolog.Logger, cfg Config) (*Queue, error) {
	for _, sub := range []string{"active", "processed", "error"} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", sub, err)
		}
	}
	q := &Queue{
		logger: logger.With().Str("component", "event_queue").Logger(),
		cfg:    cfg,
		ch:     make(chan json.RawMessage, cfg.BufferSize),
		closed: make(chan struct{}),
	}
	if err := q.rotateLocked(); err != nil {
		return nil, err
	}
	q.wg.Add(1)
	go q.writeLoop()
	return q, nil
}

// Enqueue submits a JSON-encodable record for durable append. Non-blocking:
// returns an Overloaded error if the in-memory buffer is full rather than
// stalling the caller's request latency budget.
func (q *Queue) Enqueue(record interface{}) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "marshal queue record")
	}
	select {
	case q.ch <- raw:
		atomic.AddInt64(&q.enqueued, 1)
		return nil
	default:
		atomic.AddInt64(&q.dropped, 1)
		return apierr.New(apierr.Overloaded, "event queue buffer full")
	}
}

func (q *Queue) writeLoop() {
	defer q.wg.Done()
	ageTicker := time.NewTicker(5 * time.Second)
	defer ageTicker.Stop()

	for {
		select {
		case raw, ok := <-q.ch:
			if !ok {
				q.finalize()
				return
			}
			q.append(raw)
		case <-ageTicker.C:
			q.rotateIfStale()
		}
	}
}

func (q *Queue) append(raw json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.activeWr.Write(raw); err != nil {
		q.logger.Error().Err(err).Msg("queue write failed")
		return
	}
	if _, err := q.activeWr.WriteString("\n"); err != nil {
		q.logger.Error().Err(err).Msg("queue newline write failed")
		return
	}
	if err := q.activeWr.Flush(); err != nil {
		q.logger.Error().Err(err).Msg("queue flush failed")
		return
	}
	if err := q.activeFile.Sync(); err != nil {
		q.logger.Error().Err(err).Msg("queue fsync failed")
		return
	}

	q.activeSize += int64(len(raw)) + 1
	q.activeCount++
	atomic.AddInt64(&q.written, 1)

	if q.activeSize >= q.cfg.MaxSegmentSize || q.activeCount >= q.cfg.MaxSegmentEvents {
		if err := q.rotateLocked(); err != nil {
			q.logger.Error().Err(err).Msg("segment rotation failed")
		}
	}
}

func (q *Queue) rotateIfStale() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.activeCount == 0 {
		return
	}
	if time.Since(q.openedAt) >= q.cfg.MaxSegmentAge {
		if err := q.rotateLocked(); err != nil {
			q.logger.Error().Err(err).Msg("age-triggered segment rotation failed")
		}
	}
}

// rotateLocked closes the current active segment (if any) and moves it to
// the "active" directory's sealed naming convention, then opens a fresh
// segment. Caller holds q.mu.
func (q *Queue) rotateLocked() error {
	if q.activeFile != nil {
		if err := q.activeWr.Flush(); err != nil {
			return err
		}
		if err := q.activeFile.Sync(); err != nil {
			return err
		}
		if err := q.activeFile.Close(); err != nil {
			return err
		}
		sealed := strings.TrimSuffix(q.activePath, ".open") + ".seg"
		if err := os.Rename(q.activePath, sealed); err != nil {
			return fmt.Errorf("seal segment: %w", err)
		}
		atomic.AddInt64(&q.rotations, 1)
	}

	name := fmt.Sprintf("seg-%d.open", time.Now().UnixNano())
	path := filepath.Join(q.cfg.Dir, "active", name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open new segment: %w", err)
	}
	q.activeFile = f
	q.activeWr = bufio.NewWriter(f)
	q.activePath = path
	q.activeSize = 0
	q.activeCount = 0
	q.openedAt = time.Now()
	return nil
}

func (q *Queue) finalize() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.activeFile == nil {
		return
	}
	_ = q.activeWr.Flush()
	_ = q.activeFile.Sync()
	_ = q.activeFile.Close()
	if q.activeCount > 0 {
		sealed := strings.TrimSuffix(q.activePath, ".open") + ".seg"
		_ = os.Rename(q.activePath, sealed)
	} else {
		_ = os.Remove(q.activePath)
	}
}

// Close drains the in-flight channel and seals the final segment.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

// Stats summarizes queue activity for the metrics endpoint.
type Stats struct {
	Enqueued  int64
	Written   int64
	Dropped   int64
	Rotations int64
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Stats {
	return Stats{
		Enqueued:  atomic.LoadInt64(&q.enqueued),
		Written:   atomic.LoadInt64(&q.written),
		Dropped:   atomic.LoadInt64(&q.dropped),
		Rotations: atomic.LoadInt64(&q.rotations),
	}
}

// SealedSegments lists sealed segments ready for upload, oldest first.
func SealedSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "active"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".seg") {
			out = append(out, filepath.Join(dir, "active", e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
