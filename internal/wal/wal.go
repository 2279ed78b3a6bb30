// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/models"
)

const (
	pendingFile    = "logs_pending.wal"
	processedFile  = "logs_processed.wal"
	deadLetterFile = "logs_deadletter.wal"

	segmentPrefix = "segment-"
	segmentSuffix = ".wal"

	// maxLineBytes bounds a single WAL entry. Entries carry the full log
	// record including metadata and stacktrace, so this is generous.
	maxLineBytes = 4 * 1024 * 1024
)

var (
	// ErrClosed is returned by Write after Close has been called.
	ErrClosed = errors.New("wal: closed")

	// ErrNilRecord is returned when Write is called with a nil record.
	ErrNilRecord = errors.New("wal: nil record")

	// ErrProcessorRunning is returned when StartProcessor is called twice.
	ErrProcessorRunning = errors.New("wal: processor already running")
)

// Entry is the unit persisted per pending line. Attempts counts processor
// cycles in which the insert callback failed for this entry.
type Entry struct {
	WALTimestamp time.Time        `json:"wal_timestamp"`
	Attempts     int              `json:"attempts,omitempty"`
	Record       models.LogRecord `json:"record"`
}

type processedEntry struct {
	WALTimestamp time.Time `json:"wal_timestamp"`
	ProcessedAt  time.Time `json:"processed_at"`
	RecordID     string    `json:"record_id"`
}

type deadLetterEntry struct {
	Entry
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	LastError      string    `json:"last_error"`
}

// InsertFunc is invoked by the processor for each pending entry. It must be
// idempotent for a given record: a crash between a successful insert and the
// segment removal replays the entry on the next cycle.
type InsertFunc func(ctx context.Context, record *models.LogRecord) error

// Stats is a point-in-time snapshot of WAL counters.
type Stats struct {
	PendingCount      int64 `json:"pending_count"`
	TotalWritten      int64 `json:"total_written"`
	TotalProcessed    int64 `json:"total_processed"`
	TotalPoisoned     int64 `json:"total_poisoned"`
	TotalDeadLettered int64 `json:"total_dead_lettered"`
	ProcessorRunning  bool  `json:"processor_running"`
}

// WAL is a file-backed write-ahead log with a background processor that
// drains sealed segments into the primary store.
type WAL struct {
	cfg Config

	// mu guards the pending file handle, segment rotation, and closed.
	mu      sync.Mutex
	pending *os.File
	segSeq  uint64
	closed  bool

	pendingCount      atomic.Int64
	totalWritten      atomic.Int64
	totalProcessed    atomic.Int64
	totalPoisoned     atomic.Int64
	totalDeadLettered atomic.Int64

	// cycleMu serializes processor cycles (background loop vs ForceProcess).
	cycleMu sync.Mutex
	insert  InsertFunc

	// procMu guards the processor lifecycle state below.
	procMu   sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// Open creates or reopens a WAL in cfg.Dir. Entries left over from a
// previous run stay on disk; call Recover to count them and StartProcessor
// to drain them.
func Open(cfg Config) (*WAL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	w := &WAL{cfg: cfg}

	// Resume the segment sequence beyond any sealed segments already on
	// disk so a reopen never reuses a segment name.
	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seq, ok := parseSegmentSeq(filepath.Base(seg)); ok && seq >= w.segSeq {
			w.segSeq = seq + 1
		}
	}

	if err := w.openPendingLocked(); err != nil {
		return nil, err
	}

	logging.Info().
		Str("dir", cfg.Dir).
		Dur("check_interval", cfg.CheckInterval).
		Int("max_retries", cfg.MaxRetries).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("WAL opened")
	return w, nil
}

// openPendingLocked opens the current pending file for appending.
func (w *WAL) openPendingLocked() error {
	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, pendingFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open pending WAL file: %w", err)
	}
	w.pending = f
	return nil
}

// Write durably appends a record to the WAL. It returns only after the
// entry has been flushed (and fsynced when SyncWrites is set), so a nil
// return means the record survives a crash of this process.
func (w *WAL) Write(ctx context.Context, record *models.LogRecord) error {
	if record == nil {
		return ErrNilRecord
	}
	start := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	entry := Entry{
		WALTimestamp: time.Now().UTC(),
		Record:       *record,
	}
	if err := w.appendEntryLocked(&entry); err != nil {
		metricWriteFailures.Inc()
		return err
	}

	w.totalWritten.Add(1)
	w.pendingCount.Add(1)
	metricWrites.Inc()
	metricPendingEntries.Set(float64(w.pendingCount.Load()))
	metricWriteLatency.Observe(time.Since(start).Seconds())
	return nil
}

// appendEntryLocked marshals and appends one entry to the pending file.
// Callers hold w.mu.
func (w *WAL) appendEntryLocked(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal WAL entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.pending.Write(data); err != nil {
		return fmt.Errorf("append WAL entry: %w", err)
	}
	if w.cfg.SyncWrites {
		if err := w.pending.Sync(); err != nil {
			return fmt.Errorf("fsync WAL: %w", err)
		}
	}
	return nil
}

// Recover counts the entries left on disk from a previous run (current
// pending file plus any sealed segments) and primes the pending gauge.
// It must be called before StartProcessor.
func (w *WAL) Recover() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.recountPendingLocked(); err != nil {
		return 0, fmt.Errorf("recover WAL: %w", err)
	}
	count := w.pendingCount.Load()
	if count > 0 {
		logging.Info().
			Int64("pending_entries", count).
			Msg("WAL recovery found unprocessed entries")
	}
	return count, nil
}

// recountPendingLocked re-derives the pending gauge from the lines on disk
// (current pending file plus sealed segments). Callers hold w.mu.
func (w *WAL) recountPendingLocked() error {
	var count int64
	files := []string{filepath.Join(w.cfg.Dir, pendingFile)}
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	files = append(files, segs...)

	for _, path := range files {
		n, err := countLines(path)
		if err != nil {
			return fmt.Errorf("count WAL entries in %s: %w", filepath.Base(path), err)
		}
		count += n
	}

	w.pendingCount.Store(count)
	metricPendingEntries.Set(float64(count))
	return nil
}

// rotateLocked seals the current pending file by renaming it into a
// numbered segment and reopens a fresh pending file. Returns the sealed
// segment path, or "" when the pending file is empty. Callers hold w.mu.
func (w *WAL) rotateLocked() (string, error) {
	info, err := w.pending.Stat()
	if err != nil {
		return "", fmt.Errorf("stat pending WAL file: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	if err := w.pending.Close(); err != nil {
		return "", fmt.Errorf("close pending WAL file: %w", err)
	}

	segPath := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s%06d%s", segmentPrefix, w.segSeq, segmentSuffix))
	w.segSeq++
	if err := os.Rename(filepath.Join(w.cfg.Dir, pendingFile), segPath); err != nil {
		// Reopen so writers are not left without a pending file.
		if reopenErr := w.openPendingLocked(); reopenErr != nil {
			return "", fmt.Errorf("seal WAL segment: %v; reopen pending: %w", err, reopenErr)
		}
		return "", fmt.Errorf("seal WAL segment: %w", err)
	}

	if err := w.openPendingLocked(); err != nil {
		return "", err
	}
	metricSegmentsSealed.Inc()
	return segPath, nil
}

// listSegments returns the sealed segment paths in sequence order.
func (w *WAL) listSegments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.Dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("list WAL segments: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func parseSegmentSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// appendLine appends one JSON line to the named auxiliary file. Only the
// single processor goroutine writes these files, so no lock is needed.
func (w *WAL) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s entry: %w", name, err)
	}
	return nil
}

// Stats returns a snapshot of the WAL counters.
func (w *WAL) Stats() Stats {
	w.procMu.Lock()
	running := w.running
	w.procMu.Unlock()
	return Stats{
		PendingCount:      w.pendingCount.Load(),
		TotalWritten:      w.totalWritten.Load(),
		TotalProcessed:    w.totalProcessed.Load(),
		TotalPoisoned:     w.totalPoisoned.Load(),
		TotalDeadLettered: w.totalDeadLettered.Load(),
		ProcessorRunning:  running,
	}
}

// Close stops the processor if running and closes the pending file.
// Unprocessed entries stay on disk for the next Open/Recover.
func (w *WAL) Close() error {
	if err := w.StopProcessor(); err != nil && !errors.Is(err, errProcessorNotRunning) {
		logging.Warn().Err(err).Msg("WAL close: stop processor")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.pending.Close(); err != nil {
		return fmt.Errorf("close pending WAL file: %w", err)
	}
	logging.Info().
		Int64("pending_entries", w.pendingCount.Load()).
		Msg("WAL closed")
	return nil
}
