// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process Ledger for tests and local development.
// FailNext injects failures deterministically and AnchorCalls exposes how
// often the ledger was asked to anchor.
type MemoryLedger struct {
	mu       sync.Mutex
	anchors  map[string]*AnchoredBatch
	records  map[string]string
	seq      int
	failNext int
	calls    int
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		anchors: make(map[string]*AnchoredBatch),
		records: make(map[string]string),
	}
}

// FailNext makes the next n anchoring calls return ErrUnavailable.
func (m *MemoryLedger) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// AnchorCalls reports how many anchoring calls have been made, including
// injected failures.
func (m *MemoryLedger) AnchorCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryLedger) nextRef() string {
	m.seq++
	return fmt.Sprintf("memref-%06d", m.seq)
}

// Anchor stores a batch commitment.
func (m *MemoryLedger) Anchor(ctx context.Context, req *AnchorRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return "", ErrUnavailable
	}

	ref := m.nextRef()
	m.anchors[req.BatchID] = &AnchoredBatch{
		BatchID:    req.BatchID,
		MerkleRoot: req.MerkleRoot,
		Timestamp:  req.Timestamp,
		Count:      req.Count,
		RecordIDs:  append([]string(nil), req.RecordIDs...),
		LedgerRef:  ref,
	}
	return ref, nil
}

// AnchorRecord stores a single record commitment.
func (m *MemoryLedger) AnchorRecord(ctx context.Context, req *RecordAnchorRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return "", ErrUnavailable
	}

	ref := m.nextRef()
	m.records[req.RecordID] = req.Hash
	return ref, nil
}

// FetchAnchored returns a stored commitment or ErrNotFound.
func (m *MemoryLedger) FetchAnchored(ctx context.Context, batchID string) (*AnchoredBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	anchored, ok := m.anchors[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *anchored
	cp.RecordIDs = append([]string(nil), anchored.RecordIDs...)
	return &cp, nil
}

// RecordHash returns the anchored hash for a record, for assertions in
// per-record mode tests.
func (m *MemoryLedger) RecordHash(recordID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.records[recordID]
	return h, ok
}
