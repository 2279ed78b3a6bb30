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
	"sync"
	"testing"
	"time"

	"github.com/anchorlog/anchorlog/internal/models"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	// Keep the background ticker out of the way; tests drive cycles with
	// ForceProcess.
	cfg.CheckInterval = time.Hour
	cfg.SyncWrites = false
	cfg.CloseTimeout = 5 * time.Second
	return cfg
}

func testRecord(id string) *models.LogRecord {
	return &models.LogRecord{
		ID:        id,
		Timestamp: "2026-08-26T12:00:00Z",
		Source:    "svc-test",
		Level:     models.LevelInfo,
		Message:   "hello from " + id,
	}
}

// collectingInsert records every record it accepts, optionally failing the
// first failN calls per record.
type collectingInsert struct {
	mu       sync.Mutex
	accepted map[string]int
	failN    int
	calls    map[string]int
}

func newCollectingInsert(failN int) *collectingInsert {
	return &collectingInsert{
		accepted: make(map[string]int),
		calls:    make(map[string]int),
		failN:    failN,
	}
}

func (c *collectingInsert) insert(_ context.Context, r *models.LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[r.ID]++
	if c.calls[r.ID] <= c.failN {
		return errors.New("store unavailable")
	}
	c.accepted[r.ID]++
	return nil
}

func (c *collectingInsert) acceptedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accepted)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"empty dir", func(c *Config) { c.Dir = "" }, true},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }, true},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"zero close timeout", func(c *Config) { c.CloseTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteSurvivesReopen(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := w.Write(ctx, testRecord(fmt.Sprintf("svc_%04d", i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a restart: the same directory must yield all five entries.
	w2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	recovered, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != 5 {
		t.Fatalf("Recover() = %d, want 5", recovered)
	}

	sink := newCollectingInsert(0)
	if err := w2.StartProcessor(sink.insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	if err := w2.ForceProcess(ctx); err != nil {
		t.Fatalf("ForceProcess: %v", err)
	}
	if got := sink.acceptedCount(); got != 5 {
		t.Errorf("accepted %d records after recovery, want 5", got)
	}
	if stats := w2.Stats(); stats.PendingCount != 0 {
		t.Errorf("PendingCount = %d after drain, want 0", stats.PendingCount)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	w, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(context.Background(), testRecord("x_1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestNilRecordRejected(t *testing.T) {
	t.Parallel()

	w, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Write(context.Background(), nil); !errors.Is(err, ErrNilRecord) {
		t.Errorf("Write(nil) = %v, want ErrNilRecord", err)
	}
}

func TestProcessorRetriesUntilStoreRecovers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		if err := w.Write(ctx, testRecord(fmt.Sprintf("flap_%04d", i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	// Every record fails its first two inserts, then succeeds: entries must
	// be requeued (not lost, not dead-lettered) across cycles.
	sink := newCollectingInsert(2)
	if err := w.StartProcessor(sink.insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	for cycle := 0; cycle < 3; cycle++ {
		if err := w.ForceProcess(ctx); err != nil {
			t.Fatalf("ForceProcess cycle %d: %v", cycle, err)
		}
	}

	if got := sink.acceptedCount(); got != n {
		t.Fatalf("accepted %d records, want %d", got, n)
	}
	stats := w.Stats()
	if stats.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", stats.PendingCount)
	}
	if stats.TotalProcessed != n {
		t.Errorf("TotalProcessed = %d, want %d", stats.TotalProcessed, n)
	}
	if stats.TotalDeadLettered != 0 {
		t.Errorf("TotalDeadLettered = %d, want 0", stats.TotalDeadLettered)
	}
	for id, count := range sink.accepted {
		if count != 1 {
			t.Errorf("record %s accepted %d times, want exactly once", id, count)
		}
	}
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MaxRetries = 3
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	if err := w.Write(ctx, testRecord("doomed_1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(ctx, testRecord("fine_1")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	insert := func(_ context.Context, r *models.LogRecord) error {
		if r.ID == "doomed_1" {
			return errors.New("permanent failure")
		}
		return nil
	}
	if err := w.StartProcessor(insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	for cycle := 0; cycle < cfg.MaxRetries+2; cycle++ {
		if err := w.ForceProcess(ctx); err != nil {
			t.Fatalf("ForceProcess cycle %d: %v", cycle, err)
		}
	}

	stats := w.Stats()
	if stats.TotalDeadLettered != 1 {
		t.Fatalf("TotalDeadLettered = %d, want 1", stats.TotalDeadLettered)
	}
	if stats.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0 (dead-lettered entry must not block the queue)", stats.PendingCount)
	}
	if stats.TotalProcessed != 1 {
		t.Errorf("TotalProcessed = %d, want 1", stats.TotalProcessed)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Dir, deadLetterFile))
	if err != nil {
		t.Fatalf("read dead-letter file: %v", err)
	}
	if len(data) == 0 {
		t.Error("dead-letter file is empty")
	}
}

func TestPoisonedLineDropped(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	if err := w.Write(ctx, testRecord("good_1")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Inject a corrupt line directly, as a torn write would leave it.
	f, err := os.OpenFile(filepath.Join(cfg.Dir, pendingFile), os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatalf("open pending file: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("inject poison: %v", err)
	}
	f.Close()

	if err := w.Write(ctx, testRecord("good_2")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sink := newCollectingInsert(0)
	if err := w.StartProcessor(sink.insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	if err := w.ForceProcess(ctx); err != nil {
		t.Fatalf("ForceProcess: %v", err)
	}

	if got := sink.acceptedCount(); got != 2 {
		t.Errorf("accepted %d records, want 2 (poison must not block neighbours)", got)
	}
	if stats := w.Stats(); stats.TotalPoisoned != 1 {
		t.Errorf("TotalPoisoned = %d, want 1", stats.TotalPoisoned)
	}
}

func TestConcurrentWritesDuringProcessing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	sink := newCollectingInsert(0)
	if err := w.StartProcessor(sink.insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d_%04d", g, i)
				if err := w.Write(ctx, testRecord(id)); err != nil {
					t.Errorf("Write %s: %v", id, err)
					return
				}
				if i%7 == 0 {
					_ = w.ForceProcess(ctx)
				}
			}
		}(g)
	}
	wg.Wait()

	// A final cycle picks up anything written after the last in-flight one.
	if err := w.ForceProcess(ctx); err != nil {
		t.Fatalf("final ForceProcess: %v", err)
	}

	if got := sink.acceptedCount(); got != writers*perWriter {
		t.Errorf("accepted %d records, want %d", got, writers*perWriter)
	}
	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Errorf("PendingCount = %d, want 0", stats.PendingCount)
	}
}

func TestPendingCountStaysConsistentAfterInterruptedCycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	inserted := 0
	insert := func(_ context.Context, _ *models.LogRecord) error {
		mu.Lock()
		defer mu.Unlock()
		inserted++
		if inserted == 1 {
			// Interrupt the cycle after the first entry so the segment
			// is retained with already-consumed lines still in it.
			cancel()
		}
		return nil
	}
	if err := w.StartProcessor(insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}

	const total = 3
	for i := 0; i < total; i++ {
		if err := w.Write(context.Background(), testRecord(fmt.Sprintf("rec_%d", i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if err := w.ForceProcess(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted ForceProcess: %v", err)
	}

	// The retained segment will be replayed in full, so the gauge must
	// reflect every line still on disk, not total minus already-inserted.
	if got := w.Stats().PendingCount; got != total {
		t.Errorf("PendingCount after interrupted cycle = %d, want %d", got, total)
	}

	if err := w.ForceProcess(context.Background()); err != nil {
		t.Fatalf("replay ForceProcess: %v", err)
	}
	stats := w.Stats()
	if stats.PendingCount != 0 {
		t.Errorf("PendingCount after replay = %d, want 0 (must not go negative)", stats.PendingCount)
	}
	mu.Lock()
	got := inserted
	mu.Unlock()
	// One insert before the interrupt plus a full idempotent replay.
	if got != total+1 {
		t.Errorf("insert called %d times, want %d", got, total+1)
	}
}

func TestStartProcessorTwice(t *testing.T) {
	t.Parallel()

	w, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	sink := newCollectingInsert(0)
	if err := w.StartProcessor(sink.insert); err != nil {
		t.Fatalf("first StartProcessor: %v", err)
	}
	if err := w.StartProcessor(sink.insert); !errors.Is(err, ErrProcessorRunning) {
		t.Errorf("second StartProcessor = %v, want ErrProcessorRunning", err)
	}
}

func TestStatsReflectsProcessorState(t *testing.T) {
	t.Parallel()

	w, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if w.Stats().ProcessorRunning {
		t.Error("ProcessorRunning = true before start")
	}
	sink := newCollectingInsert(0)
	if err := w.StartProcessor(sink.insert); err != nil {
		t.Fatalf("StartProcessor: %v", err)
	}
	if !w.Stats().ProcessorRunning {
		t.Error("ProcessorRunning = false after start")
	}
	if err := w.StopProcessor(); err != nil {
		t.Fatalf("StopProcessor: %v", err)
	}
	if w.Stats().ProcessorRunning {
		t.Error("ProcessorRunning = true after stop")
	}
}
