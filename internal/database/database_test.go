// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anchorlog/anchorlog/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testRecord(id string) *models.LogRecord {
	return &models.LogRecord{
		ID:        id,
		Hash:      strings.Repeat("0f", 32),
		Timestamp: "2026-08-26T12:00:00.123456Z",
		Source:    "payments",
		Level:     models.LevelError,
		Message:   "charge failed",
		Metadata:  map[string]any{"order": "o-17", "retries": float64(3)},
		CreatedAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertRecordIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	r := testRecord("payments_0001")

	inserted, err := s.UpsertRecord(ctx, r)
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if !inserted {
		t.Error("first insert reported duplicate")
	}

	// A WAL replay re-inserts the same record; it must be skipped.
	inserted, err = s.UpsertRecord(ctx, r)
	if err != nil {
		t.Fatalf("second UpsertRecord: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported as new")
	}
}

func TestGetRecordRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	want := testRecord("payments_0002")

	if _, err := s.UpsertRecord(ctx, want); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	got, err := s.GetRecord(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if got.ID != want.ID || got.Hash != want.Hash || got.Timestamp != want.Timestamp {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// The timestamp string must survive byte-for-byte: it feeds the hash.
	if got.Timestamp != "2026-08-26T12:00:00.123456Z" {
		t.Errorf("Timestamp = %q, altered by storage", got.Timestamp)
	}
	if got.Metadata["order"] != "o-17" || got.Metadata["retries"] != float64(3) {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.BatchID != "" || got.BatchedAt != nil {
		t.Errorf("unbatched record has batch fields: %+v", got)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.GetRecord(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord = %v, want ErrNotFound", err)
	}
}

func TestGetRecordsByIDsPreservesOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.UpsertRecord(ctx, testRecord(fmt.Sprintf("rec_%d", i))); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}

	// Request in a deliberately shuffled order; the result must match it.
	want := []string{"rec_3", "rec_0", "rec_4", "rec_1"}
	records, err := s.GetRecordsByIDs(ctx, want)
	if err != nil {
		t.Fatalf("GetRecordsByIDs: %v", err)
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, r := range records {
		if r.ID != want[i] {
			t.Errorf("records[%d].ID = %q, want %q", i, r.ID, want[i])
		}
	}
}

func TestGetRecordsByIDsMissingRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertRecord(ctx, testRecord("rec_0")); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if _, err := s.GetRecordsByIDs(ctx, []string{"rec_0", "rec_missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecordsByIDs = %v, want ErrNotFound", err)
	}
}

func TestStampBatch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	ids := []string{"rec_a", "rec_b", "rec_c"}
	for _, id := range ids {
		if _, err := s.UpsertRecord(ctx, testRecord(id)); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}

	batch := &BatchRecord{
		BatchID:     "batch_20260826_120000_abcd1234",
		MerkleRoot:  strings.Repeat("9c", 32),
		RecordCount: len(ids),
		LedgerRef:   "tx-42",
		CreatedAt:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	if err := s.StampBatch(ctx, batch, ids); err != nil {
		t.Fatalf("StampBatch: %v", err)
	}

	for _, id := range ids {
		r, err := s.GetRecord(ctx, id)
		if err != nil {
			t.Fatalf("GetRecord %s: %v", id, err)
		}
		if r.BatchID != batch.BatchID || r.MerkleRoot != batch.MerkleRoot || r.BatchedAt == nil {
			t.Errorf("record %s not stamped: %+v", id, r)
		}
	}

	got, err := s.GetBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.MerkleRoot != batch.MerkleRoot || got.RecordCount != 3 || got.LedgerRef != "tx-42" {
		t.Errorf("GetBatch = %+v", got)
	}

	batches, err := s.ListBatches(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 || batches[0].BatchID != batch.BatchID {
		t.Errorf("ListBatches = %+v", batches)
	}
}

func TestListRecordsFilters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	r1 := testRecord("rec_1")
	r2 := testRecord("rec_2")
	r2.Source = "auth"
	r2.Level = models.LevelInfo
	for _, r := range []*models.LogRecord{r1, r2} {
		if _, err := s.UpsertRecord(ctx, r); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}

	records, err := s.ListRecords(ctx, ListFilter{Source: "auth"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec_2" {
		t.Errorf("ListRecords(source=auth) = %+v", records)
	}

	records, err = s.ListRecords(ctx, ListFilter{Level: models.LevelError})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec_1" {
		t.Errorf("ListRecords(level=error) = %+v", records)
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.UpsertRecord(ctx, testRecord(fmt.Sprintf("rec_%d", i))); err != nil {
			t.Fatalf("UpsertRecord: %v", err)
		}
	}
	batch := &BatchRecord{
		BatchID:     "batch_x",
		MerkleRoot:  strings.Repeat("11", 32),
		RecordCount: 2,
		LedgerRef:   "tx-1",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.StampBatch(ctx, batch, []string{"rec_0", "rec_1"}); err != nil {
		t.Fatalf("StampBatch: %v", err)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.TotalRecords != 4 || st.BatchedRecords != 2 || st.TotalBatches != 1 {
		t.Errorf("GetStats = %+v", st)
	}
}
