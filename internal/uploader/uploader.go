/*
Logic: uploader process that watches sealed segments and streams their
records into the warehouse with idempotent dedup (§4, §6). The retry shape
— base delay doubled per attempt, capped attempt count, error on final
failure — is lifted directly from the donor gateway's
analytics.Pipeline.flushRequests (analytics/ingestion.go); here a failed
batch moves the segment to error/ instead of being dropped, since segments
are durable files rather than an in-memory channel.
*/
package uploader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/model"
	"github.com/AlfredDev/actcore/internal/queue"
	"github.com/AlfredDev/actcore/internal/warehouse"
)

// insightActivitySuffix marks an Event as carrying an insight atom in its
// Features field rather than ordinary activity features (see handlers.go's
// handleLogInsight, which enqueues events this way instead of a separate
// record shape).
const insightActivitySuffix = ".insight_recorded"

// Config tunes upload batching and retry.
type Config struct {
	Dir           string
	BatchSize     int
	PollInterval  time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// DefaultConfig returns production defaults (§6 UPLOAD_* and RETRY_* env vars).
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		BatchSize:    500,
		PollInterval: 5 * time.Second,
		MaxRetries:   3,
		RetryBase:    time.Second,
		RetryMax:     30 * time.Second,
	}
}

// record is one NDJSON line as enqueued by internal/queue: a model.Event
// written verbatim by the tool server's handlers. The uploader uses
// event_id for idempotent dedup and the activity suffix to decide whether
// to replay it through LOG_EVENT or unpack an embedded insight atom and
// replay it through LOG_INSIGHT.
type record = model.Event

// Uploader drains sealed segments into the warehouse.
type Uploader struct {
	logger zerolog.Logger
	cfg    Config
	client *warehouse.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an uploader bound to a warehouse client.
func New(logger zerolog.Logger, cfg Config, client *warehouse.Client) *Uploader {
	return &Uploader{
		logger: logger.With().Str("component", "uploader").Logger(),
		cfg:    cfg,
		client: client,
		done:   make(chan struct{}),
	}
}

// Start launches the polling loop as a background goroutine.
func (u *Uploader) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	u.cancel = cancel
	go u.loop(ctx)
}

// Stop halts the polling loop.
func (u *Uploader) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	<-u.done
}

func (u *Uploader) loop(ctx context.Context) {
	defer close(u.done)
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.runOnce(ctx)
		}
	}
}

// RunOnce processes every sealed segment currently on disk; exported so
// cmd/uploader can run a single pass without the ticker loop.
func (u *Uploader) RunOnce(ctx context.Context) {
	u.runOnce(ctx)
}

func (u *Uploader) runOnce(ctx context.Context) {
	segments, err := queue.SealedSegments(u.cfg.Dir)
	if err != nil {
		u.logger.Error().Err(err).Msg("list sealed segments failed")
		return
	}
	for _, seg := range segments {
		if err := u.processSegment(ctx, seg); err != nil {
			u.logger.Error().Err(err).Str("segment", seg).Msg("segment upload failed, moved to error")
		}
	}
}

func (u *Uploader) processSegment(ctx context.Context, path string) error {
	records, err := readSegment(path)
	if err != nil {
		return u.moveTo(path, "error", fmt.Errorf("read segment: %w", err))
	}

	for start := 0; start < len(records); start += u.cfg.BatchSize {
		end := start + u.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := u.uploadBatch(ctx, records[start:end]); err != nil {
			return u.moveTo(path, "error", err)
		}
	}
	return u.moveTo(path, "processed", nil)
}

func readSegment(path string) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var out []record
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // corrupted line: skip, don't fail the whole segment
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

// uploadBatch dedups each record against ingest_ids via CHECK_INGEST_ID,
// inserts new ones with the record's own template, then records the ingest
// ID via RECORD_INGEST_ID — with exponential-backoff retry on failure,
// mirroring the donor gateway's flush-retry loop.
func (u *Uploader) uploadBatch(ctx context.Context, batch []record) error {
	var lastErr error
	delay := u.cfg.RetryBase
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		lastErr = u.tryUpload(ctx, batch)
		if lastErr == nil {
			return nil
		}
		u.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("upload batch failed")
		if attempt < u.cfg.MaxRetries {
			time.Sleep(delay)
			delay *= 2
			if delay > u.cfg.RetryMax {
				delay = u.cfg.RetryMax
			}
		}
	}
	return fmt.Errorf("upload batch failed after %d attempts: %w", u.cfg.MaxRetries+1, lastErr)
}

func (u *Uploader) tryUpload(ctx context.Context, batch []record) error {
	for _, r := range batch {
		rows, err := u.client.Query(ctx, "", "CHECK_INGEST_ID", r.EventID)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			continue // already recorded upstream, skip (idempotent dedup)
		}

		if strings.HasSuffix(r.Activity, insightActivitySuffix) {
			if err := u.execInsight(ctx, r); err != nil {
				return err
			}
		} else {
			if err := u.execEvent(ctx, r); err != nil {
				return err
			}
		}
		if _, err := u.client.Exec(ctx, "", "RECORD_INGEST_ID", r.EventID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) execEvent(ctx context.Context, r record) error {
	var revenue interface{}
	if r.RevenueImpact != nil {
		revenue = *r.RevenueImpact
	}
	_, err := u.client.Exec(ctx, "", "LOG_EVENT",
		r.EventID, r.Activity, r.Customer, r.Ts.UTC().Format(time.RFC3339),
		r.Link, revenue, r.Features, r.SourceSystem, r.SourceVersion, r.SessionID, r.QueryTag)
	return err
}

func (u *Uploader) execInsight(ctx context.Context, r record) error {
	var atom model.InsightAtom
	if err := json.Unmarshal(r.Features, &atom); err != nil {
		return fmt.Errorf("unmarshal insight atom from event %s: %w", r.EventID, err)
	}
	var validUntil interface{}
	if atom.ValidUntil != nil {
		validUntil = atom.ValidUntil.UTC().Format(time.RFC3339)
	}
	_, err := u.client.Exec(ctx, "", "LOG_INSIGHT",
		atom.AtomID, atom.Customer, atom.Subject, atom.Metric, atom.Value,
		atom.ProvenanceHash, atom.Ts.UTC().Format(time.RFC3339), validUntil)
	return err
}

func (u *Uploader) moveTo(path, subdir string, cause error) error {
	dest := filepath.Join(filepath.Dir(filepath.Dir(path)), subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move segment to %s: %w", subdir, err)
	}
	return cause
}
