// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package synctrack tracks each record's anchoring lifecycle in an embedded
// Badger store. A record moves pending_batch -> claimed -> synced, with
// claimed -> pending_batch on release and any state -> failed as a terminal
// marker. Claim selects and transitions records in a single transaction, so
// two concurrent batch runs can never claim the same record.
package synctrack

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/logging"
)

// Sync statuses. failed is terminal; every other transition is explicit.
const (
	StatusPending = "pending_batch"
	StatusClaimed = "claimed"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

const (
	statePrefix   = "state:"
	pendingPrefix = "pending!"

	// claimRetries bounds optimistic-concurrency retries on Badger
	// transaction conflicts.
	claimRetries = 5
)

var (
	// ErrNotFound is returned when no sync state exists for a record.
	ErrNotFound = errors.New("synctrack: record not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("synctrack: invalid status transition")
)

// SyncState is the stored lifecycle entry for one record.
type SyncState struct {
	RecordID  string    `json:"record_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClaimID   string    `json:"claim_id,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	LedgerRef string    `json:"ledger_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Config holds tracker configuration.
type Config struct {
	// Dir is the Badger database directory. Ignored when InMemory is set.
	Dir string `koanf:"dir"`

	// InMemory runs Badger without disk persistence. Tests only.
	InMemory bool `koanf:"in_memory"`

	// GCInterval is the period between value-log garbage collections.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Dir:        "/data/synctrack",
		GCInterval: 10 * time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return errors.New("synctrack config error: Dir is required")
	}
	if c.GCInterval <= 0 {
		return errors.New("synctrack config error: GCInterval must be positive")
	}
	return nil
}

// Tracker is the Badger-backed sync state store.
type Tracker struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the tracker database.
func Open(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(newBadgerLogger())
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open synctrack database: %w", err)
	}

	t := &Tracker{
		db:     db,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go t.runGC(cfg.GCInterval)

	logging.Info().
		Str("dir", cfg.Dir).
		Bool("in_memory", cfg.InMemory).
		Msg("sync tracker opened")
	return t, nil
}

// Close stops the GC loop and closes the database.
func (t *Tracker) Close() error {
	close(t.gcStop)
	<-t.gcDone
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("close synctrack database: %w", err)
	}
	return nil
}

func (t *Tracker) runGC(interval time.Duration) {
	defer close(t.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means nothing needed collecting.
			if err := t.db.RunValueLogGC(0.5); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				logging.Warn().Err(err).Msg("synctrack value-log GC failed")
			}
		}
	}
}

func stateKey(recordID string) []byte {
	return []byte(statePrefix + recordID)
}

// pendingKey orders claimable records by creation time. The zero-padded
// nanosecond timestamp makes Badger's lexicographic iteration oldest-first.
func pendingKey(createdAt time.Time, recordID string) []byte {
	return []byte(fmt.Sprintf("%s%020d!%s", pendingPrefix, createdAt.UnixNano(), recordID))
}

func getState(txn *badger.Txn, recordID string) (*SyncState, error) {
	item, err := txn.Get(stateKey(recordID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sync state %s: %w", recordID, err)
	}
	var state SyncState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &state)
	}); err != nil {
		return nil, fmt.Errorf("decode sync state %s: %w", recordID, err)
	}
	return &state, nil
}

func putState(txn *badger.Txn, state *SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state %s: %w", state.RecordID, err)
	}
	if err := txn.Set(stateKey(state.RecordID), data); err != nil {
		return fmt.Errorf("put sync state %s: %w", state.RecordID, err)
	}
	return nil
}

// MarkPending registers a record as awaiting anchoring. It is idempotent:
// re-marking a record that is already tracked (in any status) is a no-op,
// so WAL replays never reset progress.
func (t *Tracker) MarkPending(ctx context.Context, recordID string, createdAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(txn *badger.Txn) error {
		if _, err := getState(txn, recordID); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		state := &SyncState{
			RecordID:  recordID,
			Status:    StatusPending,
			CreatedAt: createdAt.UTC(),
			UpdatedAt: now,
		}
		if err := putState(txn, state); err != nil {
			return err
		}
		return txn.Set(pendingKey(state.CreatedAt, recordID), nil)
	})
	if err != nil {
		return err
	}
	metricPendingMarked.Inc()
	return nil
}

// Claim atomically selects up to max of the oldest pending records and
// transitions them to claimed under claimID. The selection and the status
// writes happen in one transaction: concurrent claims see disjoint sets.
func (t *Tracker) Claim(ctx context.Context, max int, claimID string) ([]string, error) {
	if max <= 0 {
		return nil, errors.New("synctrack: claim max must be positive")
	}

	var claimed []string
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claimed = claimed[:0]

		err := t.db.Update(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{
				PrefetchValues: false,
				Prefix:         []byte(pendingPrefix),
			})
			defer it.Close()

			now := time.Now().UTC()
			for it.Rewind(); it.Valid() && len(claimed) < max; it.Next() {
				indexKey := it.Item().KeyCopy(nil)
				recordID := recordIDFromPendingKey(indexKey)
				state, err := getState(txn, recordID)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						// Orphaned index entry; drop it and move on.
						if err := txn.Delete(indexKey); err != nil {
							return err
						}
						continue
					}
					return err
				}
				if state.Status != StatusPending {
					if err := txn.Delete(indexKey); err != nil {
						return err
					}
					continue
				}

				state.Status = StatusClaimed
				state.ClaimID = claimID
				state.UpdatedAt = now
				if err := putState(txn, state); err != nil {
					return err
				}
				if err := txn.Delete(indexKey); err != nil {
					return err
				}
				claimed = append(claimed, recordID)
			}
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, badger.ErrConflict) && attempt < claimRetries {
			continue
		}
		return nil, fmt.Errorf("claim pending records: %w", err)
	}

	metricClaimed.Add(float64(len(claimed)))
	return append([]string(nil), claimed...), nil
}

// Release returns claimed records to pending_batch so a later run can pick
// them up, e.g. after a ledger failure. Records not claimed under claimID
// are left untouched.
func (t *Tracker) Release(ctx context.Context, recordIDs []string, claimID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		for _, id := range recordIDs {
			state, err := getState(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if state.Status != StatusClaimed || state.ClaimID != claimID {
				continue
			}
			state.Status = StatusPending
			state.ClaimID = ""
			state.UpdatedAt = now
			if err := putState(txn, state); err != nil {
				return err
			}
			if err := txn.Set(pendingKey(state.CreatedAt, id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release claimed records: %w", err)
	}
	metricReleased.Add(float64(len(recordIDs)))
	return nil
}

// MarkSynced finalizes records after a successful anchor, recording the
// batch they were anchored in and the ledger reference.
func (t *Tracker) MarkSynced(ctx context.Context, recordIDs []string, batchID, ledgerRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		for _, id := range recordIDs {
			state, err := getState(txn, id)
			if err != nil {
				return err
			}
			if state.Status == StatusSynced {
				continue
			}
			if state.Status == StatusFailed {
				return fmt.Errorf("%w: %s is failed", ErrInvalidTransition, id)
			}
			state.Status = StatusSynced
			state.ClaimID = ""
			state.BatchID = batchID
			state.LedgerRef = ledgerRef
			state.UpdatedAt = now
			if err := putState(txn, state); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark records synced: %w", err)
	}
	metricSynced.Add(float64(len(recordIDs)))
	return nil
}

// MarkFailed records a terminal failure for a record. Failed records are
// never reclaimed; they surface in stats for operator attention.
func (t *Tracker) MarkFailed(ctx context.Context, recordID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(txn *badger.Txn) error {
		state, err := getState(txn, recordID)
		if err != nil {
			return err
		}
		if state.Status == StatusSynced {
			return fmt.Errorf("%w: %s is already synced", ErrInvalidTransition, recordID)
		}
		if state.Status == StatusPending {
			if err := txn.Delete(pendingKey(state.CreatedAt, recordID)); err != nil {
				return err
			}
		}
		state.Status = StatusFailed
		state.ClaimID = ""
		state.Error = reason
		state.UpdatedAt = time.Now().UTC()
		return putState(txn, state)
	})
	if err != nil {
		return err
	}
	metricFailed.Inc()
	return nil
}

// Get returns the sync state for one record.
func (t *Tracker) Get(ctx context.Context, recordID string) (*SyncState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state *SyncState
	err := t.db.View(func(txn *badger.Txn) error {
		s, err := getState(txn, recordID)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// CountByStatus tallies tracked records per status.
func (t *Tracker) CountByStatus(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := map[string]int64{
		StatusPending: 0,
		StatusClaimed: 0,
		StatusSynced:  0,
		StatusFailed:  0,
	}
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   128,
			Prefix:         []byte(statePrefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var state SyncState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); err != nil {
				return fmt.Errorf("decode sync state: %w", err)
			}
			counts[state.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func recordIDFromPendingKey(key []byte) string {
	s := string(key)
	// pending!<20-digit nanos>!<record id>
	rest := s[len(pendingPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '!' {
			return rest[i+1:]
		}
	}
	return ""
}
