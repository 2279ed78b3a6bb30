// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package wal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/logging"
)

var errProcessorNotRunning = errors.New("wal: processor not running")

// StartProcessor launches the background loop that drains sealed segments
// through insert every CheckInterval. insert must be idempotent per record.
func (w *WAL) StartProcessor(insert InsertFunc) error {
	if insert == nil {
		return errors.New("wal: nil insert callback")
	}

	w.procMu.Lock()
	defer w.procMu.Unlock()
	if w.running {
		return ErrProcessorRunning
	}
	if w.stopping {
		return errors.New("wal: processor is stopping")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.insert = insert
	w.cancel = cancel
	w.stopDone = make(chan struct{})
	w.running = true

	go w.runLoop(ctx)

	logging.Info().
		Dur("check_interval", w.cfg.CheckInterval).
		Msg("WAL processor started")
	return nil
}

// StopProcessor signals the loop to stop and waits up to CloseTimeout for
// the current cycle to finish.
func (w *WAL) StopProcessor() error {
	w.procMu.Lock()
	if !w.running || w.stopping {
		w.procMu.Unlock()
		return errProcessorNotRunning
	}
	w.stopping = true
	cancel := w.cancel
	done := w.stopDone
	w.procMu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(w.cfg.CloseTimeout):
		logging.Warn().Msg("WAL processor stop timed out; abandoning cycle")
	}

	w.procMu.Lock()
	w.running = false
	w.stopping = false
	w.cancel = nil
	w.stopDone = nil
	w.insert = nil
	w.procMu.Unlock()
	return nil
}

func (w *WAL) runLoop(ctx context.Context) {
	defer close(w.stopDone)

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("WAL processing cycle failed")
			}
		}
	}
}

// ForceProcess runs one processing cycle synchronously. It is safe to call
// while the background loop is running; cycles never overlap.
func (w *WAL) ForceProcess(ctx context.Context) error {
	w.procMu.Lock()
	insert := w.insert
	w.procMu.Unlock()
	if insert == nil {
		return errProcessorNotRunning
	}
	return w.processCycle(ctx)
}

// processCycle seals the current pending file and drains every sealed
// segment, including segments left over from previous runs.
func (w *WAL) processCycle(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	_, err := w.rotateLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processSegment(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// processSegment replays one sealed segment. Entries the insert callback
// accepts are recorded in the processed audit file; failures are requeued
// to the current pending file with an incremented attempt count, or moved
// to the dead-letter file once past MaxRetries; unparsable lines are
// counted as poisoned and dropped. The segment file is removed only after
// every surviving entry has been durably requeued.
func (w *WAL) processSegment(ctx context.Context, path string) error {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open WAL segment: %w", err)
	}

	var (
		requeue   []Entry
		processed int64
		keepFile  bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			// Leave the segment in place; the next cycle replays it. The
			// insert callback is idempotent, so replayed successes are
			// harmless.
			keepFile = true
			break
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			w.totalPoisoned.Add(1)
			w.pendingCount.Add(-1)
			metricPoisonedEntries.Inc()
			logging.Warn().
				Err(err).
				Str("segment", filepath.Base(path)).
				Msg("dropping unparsable WAL entry")
			continue
		}

		if insertErr := w.insert(ctx, &entry.Record); insertErr != nil {
			entry.Attempts++
			if entry.Attempts > w.cfg.MaxRetries {
				w.deadLetter(&entry, insertErr)
				continue
			}
			metricRetries.Inc()
			requeue = append(requeue, entry)
			continue
		}

		audit := processedEntry{
			WALTimestamp: entry.WALTimestamp,
			ProcessedAt:  time.Now().UTC(),
			RecordID:     entry.Record.ID,
		}
		if err := w.appendLine(processedFile, &audit); err != nil {
			logging.Warn().Err(err).Msg("append processed audit entry")
		}
		w.totalProcessed.Add(1)
		w.pendingCount.Add(-1)
		processed++
		metricProcessed.Inc()
	}
	scanErr := scanner.Err()
	if closeErr := f.Close(); closeErr != nil {
		logging.Warn().Err(closeErr).Msg("close WAL segment")
	}
	if scanErr != nil {
		// A torn tail from a crash mid-append; anything before it was
		// handled, anything after is unreadable. Keep what we salvaged.
		logging.Warn().
			Err(scanErr).
			Str("segment", filepath.Base(path)).
			Msg("WAL segment scan stopped early")
	}

	// Requeue failures to the current pending file under the writer lock so
	// they interleave safely with concurrent Writes.
	if len(requeue) > 0 {
		w.mu.Lock()
		for i := range requeue {
			if err := w.appendEntryLocked(&requeue[i]); err != nil {
				// Could not requeue durably: keep the sealed segment so no
				// entry is lost. The next cycle replays it.
				logging.Error().Err(err).Msg("requeue WAL entry failed; retaining segment")
				keepFile = true
				break
			}
		}
		w.mu.Unlock()
	}

	if !keepFile {
		if err := os.Remove(path); err != nil {
			logging.Warn().Err(err).
				Str("segment", filepath.Base(path)).
				Msg("remove drained WAL segment")
		}
	} else {
		// The retained segment still holds lines this pass already
		// accounted for (and any requeued entry now exists twice on
		// disk), so the in-memory gauge no longer matches what replay
		// will consume. Re-derive it from disk.
		w.mu.Lock()
		if err := w.recountPendingLocked(); err != nil {
			logging.Warn().Err(err).Msg("recount pending WAL entries")
		}
		w.mu.Unlock()
	}

	metricPendingEntries.Set(float64(w.pendingCount.Load()))
	if processed > 0 || len(requeue) > 0 {
		logging.Debug().
			Str("segment", filepath.Base(path)).
			Int64("processed", processed).
			Int("requeued", len(requeue)).
			Dur("elapsed", time.Since(start)).
			Msg("WAL segment drained")
	}
	return nil
}

// deadLetter moves an exhausted entry to the dead-letter file.
func (w *WAL) deadLetter(entry *Entry, lastErr error) {
	dl := deadLetterEntry{
		Entry:          *entry,
		DeadLetteredAt: time.Now().UTC(),
		LastError:      lastErr.Error(),
	}
	if err := w.appendLine(deadLetterFile, &dl); err != nil {
		logging.Error().Err(err).
			Str("record_id", entry.Record.ID).
			Msg("append dead-letter entry failed; entry dropped from queue")
	}
	w.totalDeadLettered.Add(1)
	w.pendingCount.Add(-1)
	metricDeadLettered.Inc()
	logging.Error().
		Str("record_id", entry.Record.ID).
		Int("attempts", entry.Attempts).
		Str("last_error", lastErr.Error()).
		Msg("WAL entry dead-lettered after exhausting retries")
}

// countLines counts non-empty lines in a file, tolerating a missing file.
func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}
