// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package batch groups pending records into Merkle-anchored batches and
// verifies them later against the ledger's stored roots. Batch creation is
// all-or-nothing: if the ledger rejects the anchor, every claimed record is
// released back to pending and no local state changes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anchorlog/anchorlog/internal/database"
	"github.com/anchorlog/anchorlog/internal/ledger"
	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/merkle"
	"github.com/anchorlog/anchorlog/internal/synctrack"
)

// Anchoring modes. The mode is fixed at startup; flipping it at runtime
// would leave in-flight claims stranded between strategies.
const (
	ModeBatch  = "batch"
	ModeRecord = "record"
)

// Verification outcomes.
const (
	ResultVerified    = "VERIFIED"
	ResultCompromised = "COMPROMISED"
)

var (
	// ErrNoEligibleRecords is returned when a batch run finds nothing to
	// anchor. The ledger is never contacted in that case.
	ErrNoEligibleRecords = errors.New("batch: no eligible records")

	// ErrBatchNotFound is returned when verification targets an unknown batch.
	ErrBatchNotFound = errors.New("batch: not found")
)

// Config holds anchoring engine configuration.
type Config struct {
	// Mode selects batch or per-record anchoring.
	Mode string `koanf:"mode"`

	// MaxBatchSize caps records per batch.
	MaxBatchSize int `koanf:"max_batch_size"`

	// MinBatchSize is the threshold below which a scheduled run waits for
	// more records. Forced runs ignore it.
	MinBatchSize int `koanf:"min_batch_size"`

	// Interval is the scheduler period.
	Interval time.Duration `koanf:"interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeBatch,
		MaxBatchSize: 100,
		MinBatchSize: 10,
		Interval:     time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Mode != ModeBatch && c.Mode != ModeRecord {
		return fmt.Errorf("batch config error: Mode must be %q or %q", ModeBatch, ModeRecord)
	}
	if c.MaxBatchSize < 1 {
		return errors.New("batch config error: MaxBatchSize must be at least 1")
	}
	if c.MinBatchSize < 1 || c.MinBatchSize > c.MaxBatchSize {
		return errors.New("batch config error: MinBatchSize must be in [1, MaxBatchSize]")
	}
	if c.Interval <= 0 {
		return errors.New("batch config error: Interval must be positive")
	}
	return nil
}

// Result describes a successfully anchored batch.
type Result struct {
	BatchID    string   `json:"batch_id"`
	MerkleRoot string   `json:"merkle_root"`
	Count      int      `json:"count"`
	LedgerRef  string   `json:"ledger_ref"`
	RecordIDs  []string `json:"record_ids"`
}

// VerifyResult reports both roots so an operator can see what diverged.
type VerifyResult struct {
	BatchID        string `json:"batch_id"`
	Result         string `json:"result"`
	Valid          bool   `json:"valid"`
	AnchoredRoot   string `json:"anchored_root"`
	RecomputedRoot string `json:"recomputed_root,omitempty"`
	Count          int    `json:"count"`
	Detail         string `json:"detail,omitempty"`
}

// Engine creates, anchors, and verifies batches.
type Engine struct {
	cfg     Config
	store   *database.Store
	tracker *synctrack.Tracker
	ledger  ledger.Ledger

	// mu single-flights batch creation; concurrent triggers (scheduler tick
	// plus API force) queue behind it instead of racing for claims.
	mu sync.Mutex
}

// NewEngine wires the engine. The ledger is an interface so tests inject
// ledger.MemoryLedger.
func NewEngine(cfg Config, store *database.Store, tracker *synctrack.Tracker, l ledger.Ledger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, store: store, tracker: tracker, ledger: l}, nil
}

// Mode returns the configured anchoring mode.
func (e *Engine) Mode() string {
	return e.cfg.Mode
}

func newBatchID(ts time.Time) string {
	return "batch_" + ts.UTC().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func newClaimID() string {
	return "claim_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateBatch claims up to MaxBatchSize pending records, anchors their
// Merkle root, stamps them in the store, and finalizes their sync state.
// On ledger failure every claimed record returns to pending untouched.
func (e *Engine) CreateBatch(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createBatchLocked(ctx)
}

func (e *Engine) createBatchLocked(ctx context.Context) (*Result, error) {
	start := time.Now()
	claimID := newClaimID()

	ids, err := e.tracker.Claim(ctx, e.cfg.MaxBatchSize, claimID)
	if err != nil {
		return nil, fmt.Errorf("claim records for batch: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoEligibleRecords
	}

	release := func(cause error) {
		if rerr := e.tracker.Release(context.WithoutCancel(ctx), ids, claimID); rerr != nil {
			logging.Error().Err(rerr).
				Str("claim_id", claimID).
				Int("records", len(ids)).
				AnErr("cause", cause).
				Msg("releasing claimed records failed; records stuck in claimed state")
		}
	}

	records, err := e.store.GetRecordsByIDs(ctx, ids)
	if err != nil {
		release(err)
		return nil, fmt.Errorf("load claimed records: %w", err)
	}

	// Hashes are recomputed from record content, not read from the stored
	// hash column, so a tampered row can never anchor cleanly.
	root := merkle.BuildTree(merkle.RecordHashes(records))
	now := time.Now().UTC()
	batchID := newBatchID(now)

	ref, err := e.ledger.Anchor(ctx, &ledger.AnchorRequest{
		BatchID:    batchID,
		MerkleRoot: root,
		Timestamp:  now,
		Count:      len(ids),
		RecordIDs:  ids,
	})
	if err != nil {
		release(err)
		metricBatchFailures.Inc()
		return nil, fmt.Errorf("anchor batch %s: %w", batchID, err)
	}

	// The anchor is committed: from here on the ledger is the source of
	// truth and local failures are repaired, not rolled back.
	batch := &database.BatchRecord{
		BatchID:     batchID,
		MerkleRoot:  root,
		RecordCount: len(ids),
		LedgerRef:   ref,
		CreatedAt:   now,
	}
	if err := e.store.StampBatch(context.WithoutCancel(ctx), batch, ids); err != nil {
		logging.Error().Err(err).
			Str("batch_id", batchID).
			Msg("batch anchored but store stamping failed; verify remains possible via ledger")
	}
	if err := e.tracker.MarkSynced(context.WithoutCancel(ctx), ids, batchID, ref); err != nil {
		logging.Error().Err(err).
			Str("batch_id", batchID).
			Msg("batch anchored but sync finalization failed; records may be re-batched")
	}

	metricBatchesCreated.Inc()
	metricRecordsAnchored.Add(float64(len(ids)))
	metricBatchSize.Observe(float64(len(ids)))
	metricBatchDuration.Observe(time.Since(start).Seconds())

	logging.Info().
		Str("batch_id", batchID).
		Str("merkle_root", root).
		Str("ledger_ref", ref).
		Int("records", len(ids)).
		Msg("batch anchored")

	return &Result{
		BatchID:    batchID,
		MerkleRoot: root,
		Count:      len(ids),
		LedgerRef:  ref,
		RecordIDs:  ids,
	}, nil
}

// VerifyBatch reloads a batch's records in their anchored order, recomputes
// the Merkle root from current content, and compares it with the ledger's
// stored root. Any divergence, including a missing record, is COMPROMISED.
func (e *Engine) VerifyBatch(ctx context.Context, batchID string) (*VerifyResult, error) {
	anchored, err := e.ledger.FetchAnchored(ctx, batchID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return nil, fmt.Errorf("fetch anchored batch %s: %w", batchID, err)
	}

	result := &VerifyResult{
		BatchID:      batchID,
		AnchoredRoot: anchored.MerkleRoot,
		Count:        anchored.Count,
	}

	records, err := e.store.GetRecordsByIDs(ctx, anchored.RecordIDs)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			result.Result = ResultCompromised
			result.Detail = "anchored record missing from store: " + err.Error()
			metricVerifications.WithLabelValues("compromised").Inc()
			return result, nil
		}
		return nil, fmt.Errorf("load records for batch %s: %w", batchID, err)
	}

	result.RecomputedRoot = merkle.BuildTree(merkle.RecordHashes(records))
	if result.RecomputedRoot == anchored.MerkleRoot {
		result.Result = ResultVerified
		result.Valid = true
		metricVerifications.WithLabelValues("verified").Inc()
	} else {
		result.Result = ResultCompromised
		result.Detail = "recomputed root does not match anchored root"
		metricVerifications.WithLabelValues("compromised").Inc()
		logging.Error().
			Str("batch_id", batchID).
			Str("anchored_root", anchored.MerkleRoot).
			Str("recomputed_root", result.RecomputedRoot).
			Msg("batch verification failed: content diverged from anchor")
	}
	return result, nil
}

// ProcessPending is the scheduler entry point. In batch mode it creates
// batches while at least MinBatchSize records are eligible (force bypasses
// the threshold once); in record mode it anchors every pending record.
func (e *Engine) ProcessPending(ctx context.Context, force bool) error {
	if e.cfg.Mode == ModeRecord {
		return e.anchorPendingRecords(ctx)
	}

	for {
		counts, err := e.tracker.CountByStatus(ctx)
		if err != nil {
			return fmt.Errorf("count pending records: %w", err)
		}
		pending := counts[synctrack.StatusPending]
		if pending == 0 {
			return nil
		}
		if !force && pending < int64(e.cfg.MinBatchSize) {
			return nil
		}
		force = false

		if _, err := e.CreateBatch(ctx); err != nil {
			if errors.Is(err, ErrNoEligibleRecords) {
				return nil
			}
			return err
		}
	}
}

// anchorPendingRecords anchors each pending record's hash individually.
// An anchor failure is terminal for the record: it is marked failed and
// never retried; recovery requires resubmitting the record.
func (e *Engine) anchorPendingRecords(ctx context.Context) error {
	for {
		claimID := newClaimID()
		ids, err := e.tracker.Claim(ctx, e.cfg.MaxBatchSize, claimID)
		if err != nil {
			return fmt.Errorf("claim records: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		records, err := e.store.GetRecordsByIDs(ctx, ids)
		if err != nil {
			if rerr := e.tracker.Release(context.WithoutCancel(ctx), ids, claimID); rerr != nil {
				logging.Error().Err(rerr).Msg("release after load failure failed")
			}
			return fmt.Errorf("load claimed records: %w", err)
		}

		var firstErr error
		for i := range records {
			r := &records[i]
			ref, err := e.ledger.AnchorRecord(ctx, &ledger.RecordAnchorRequest{
				RecordID: r.ID,
				Hash:     merkle.RecordHash(r),
				Source:   r.Source,
				Level:    r.Level,
				Anchored: time.Now().UTC(),
			})
			if err != nil {
				if ferr := e.tracker.MarkFailed(context.WithoutCancel(ctx), r.ID, err.Error()); ferr != nil {
					logging.Error().Err(ferr).Str("record_id", r.ID).Msg("marking record failed after anchor failure failed")
				}
				logging.Error().Err(err).Str("record_id", r.ID).Msg("record anchor failed, marked terminal")
				if firstErr == nil {
					firstErr = fmt.Errorf("anchor record %s: %w", r.ID, err)
				}
				continue
			}
			if err := e.tracker.MarkSynced(context.WithoutCancel(ctx), []string{r.ID}, "", ref); err != nil {
				logging.Error().Err(err).Str("record_id", r.ID).Msg("record anchored but sync finalization failed")
			}
			metricRecordsAnchored.Inc()
		}
		if firstErr != nil {
			return firstErr
		}
	}
}

// SyncCounts exposes tracker tallies for the stats endpoint.
func (e *Engine) SyncCounts(ctx context.Context) (map[string]int64, error) {
	return e.tracker.CountByStatus(ctx)
}
