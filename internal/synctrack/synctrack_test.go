// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package synctrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InMemory = true
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return tr
}

func TestMarkPendingIdempotent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()
	created := time.Now().UTC()

	if err := tr.MarkPending(ctx, "rec_1", created); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	// Re-marking (a WAL replay) must not reset progress.
	if _, err := tr.Claim(ctx, 10, "claim_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.MarkPending(ctx, "rec_1", created); err != nil {
		t.Fatalf("second MarkPending: %v", err)
	}

	state, err := tr.Get(ctx, "rec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Status != StatusClaimed {
		t.Errorf("Status = %q after re-mark, want %q (progress must survive replays)", state.Status, StatusClaimed)
	}

	// Re-marked record must not be claimable a second time.
	ids, err := tr.Claim(ctx, 10, "claim_b")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Claim after re-mark returned %v, want none", ids)
	}
}

func TestClaimOldestFirst(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Insert newest-first to prove ordering comes from CreatedAt, not
	// insertion order.
	for i := 4; i >= 0; i-- {
		id := fmt.Sprintf("rec_%d", i)
		if err := tr.MarkPending(ctx, id, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("MarkPending %s: %v", id, err)
		}
	}

	ids, err := tr.Claim(ctx, 3, "claim_a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	want := []string{"rec_0", "rec_1", "rec_2"}
	if len(ids) != len(want) {
		t.Fatalf("Claim returned %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Claim[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()
	base := time.Now().UTC()

	const total = 200
	for i := 0; i < total; i++ {
		if err := tr.MarkPending(ctx, fmt.Sprintf("rec_%04d", i), base.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("MarkPending: %v", err)
		}
	}

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]string)
	)
	for c := 0; c < claimers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			claimID := fmt.Sprintf("claim_%d", c)
			for {
				ids, err := tr.Claim(ctx, 10, claimID)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(ids) == 0 {
					return
				}
				mu.Lock()
				for _, id := range ids {
					if prev, ok := seen[id]; ok {
						t.Errorf("record %s claimed by both %s and %s", id, prev, claimID)
					}
					seen[id] = claimID
				}
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct records, want %d", len(seen), total)
	}
}

func TestReleaseReturnsToPending(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkPending(ctx, "rec_1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	ids, err := tr.Claim(ctx, 1, "claim_a")
	if err != nil || len(ids) != 1 {
		t.Fatalf("Claim = %v, %v", ids, err)
	}
	if err := tr.Release(ctx, ids, "claim_a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	state, err := tr.Get(ctx, "rec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Status != StatusPending {
		t.Errorf("Status = %q after release, want %q", state.Status, StatusPending)
	}
	if state.ClaimID != "" {
		t.Errorf("ClaimID = %q after release, want empty", state.ClaimID)
	}

	// Released records are claimable again.
	ids, err = tr.Claim(ctx, 1, "claim_b")
	if err != nil {
		t.Fatalf("re-Claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != "rec_1" {
		t.Errorf("re-Claim = %v, want [rec_1]", ids)
	}
}

func TestReleaseIgnoresForeignClaim(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkPending(ctx, "rec_1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if _, err := tr.Claim(ctx, 1, "claim_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.Release(ctx, []string{"rec_1"}, "claim_other"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	state, err := tr.Get(ctx, "rec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Status != StatusClaimed {
		t.Errorf("Status = %q, want %q (foreign claim must not release)", state.Status, StatusClaimed)
	}
}

func TestMarkSyncedLifecycle(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkPending(ctx, "rec_1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	ids, err := tr.Claim(ctx, 1, "claim_a")
	if err != nil || len(ids) != 1 {
		t.Fatalf("Claim = %v, %v", ids, err)
	}
	if err := tr.MarkSynced(ctx, ids, "batch_1", "ledger-tx-42"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	state, err := tr.Get(ctx, "rec_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Status != StatusSynced {
		t.Errorf("Status = %q, want %q", state.Status, StatusSynced)
	}
	if state.BatchID != "batch_1" || state.LedgerRef != "ledger-tx-42" {
		t.Errorf("BatchID/LedgerRef = %q/%q, want batch_1/ledger-tx-42", state.BatchID, state.LedgerRef)
	}

	// Synced is sticky: re-marking is a no-op, not an error.
	if err := tr.MarkSynced(ctx, ids, "batch_2", "other"); err != nil {
		t.Fatalf("repeat MarkSynced: %v", err)
	}
	state, _ = tr.Get(ctx, "rec_1")
	if state.BatchID != "batch_1" {
		t.Errorf("BatchID = %q after repeat, want batch_1", state.BatchID)
	}
}

func TestMarkFailedIsTerminal(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkPending(ctx, "rec_1", time.Now().UTC()); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if err := tr.MarkFailed(ctx, "rec_1", "unrecoverable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Failed records are not claimable.
	ids, err := tr.Claim(ctx, 10, "claim_a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Claim returned %v, want none", ids)
	}

	// And cannot be synced.
	if err := tr.MarkSynced(ctx, []string{"rec_1"}, "batch_1", "ref"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkSynced on failed = %v, want ErrInvalidTransition", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	if _, err := tr.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 6; i++ {
		if err := tr.MarkPending(ctx, fmt.Sprintf("rec_%d", i), now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("MarkPending: %v", err)
		}
	}
	ids, err := tr.Claim(ctx, 3, "claim_a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := tr.MarkSynced(ctx, ids[:2], "batch_1", "ref"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if err := tr.MarkFailed(ctx, "rec_5", "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	counts, err := tr.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	want := map[string]int64{
		StatusPending: 2,
		StatusClaimed: 1,
		StatusSynced:  2,
		StatusFailed:  1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, counts[status], n)
		}
	}
}
