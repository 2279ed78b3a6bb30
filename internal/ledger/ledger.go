// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package ledger defines the external anchoring service boundary. The
// ledger is append-only and authoritative: once a Merkle root is anchored
// there, verification compares the locally recomputed root against the
// ledger's copy, never the other way round.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the ledger holds no anchor for a batch.
	ErrNotFound = errors.New("ledger: anchor not found")

	// ErrUnavailable is returned when the ledger cannot be reached, the
	// circuit is open, or the request was rejected. The caller must treat
	// the anchoring attempt as failed in its entirety.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// AnchorRequest carries one batch's integrity commitment to the ledger.
type AnchorRequest struct {
	BatchID    string    `json:"batch_id" validate:"required"`
	MerkleRoot string    `json:"merkle_root" validate:"required,len=64,hexadecimal"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Count      int       `json:"count" validate:"required,min=1"`
	RecordIDs  []string  `json:"record_ids" validate:"required,min=1,dive,required"`
}

// RecordAnchorRequest anchors a single record's hash directly, used in
// per-record anchoring mode.
type RecordAnchorRequest struct {
	RecordID string    `json:"record_id" validate:"required"`
	Hash     string    `json:"hash" validate:"required,len=64,hexadecimal"`
	Source   string    `json:"source" validate:"required"`
	Level    string    `json:"level" validate:"required"`
	Anchored time.Time `json:"anchored" validate:"required"`
}

// AnchoredBatch is the ledger's stored view of a batch commitment.
type AnchoredBatch struct {
	BatchID    string    `json:"batch_id"`
	MerkleRoot string    `json:"merkle_root"`
	Timestamp  time.Time `json:"timestamp"`
	Count      int       `json:"count"`
	RecordIDs  []string  `json:"record_ids"`
	LedgerRef  string    `json:"ledger_ref"`
}

// Ledger is the anchoring service contract. All calls are synchronous and
// honor the passed context.
type Ledger interface {
	// Anchor commits a batch's Merkle root. It returns the ledger's opaque
	// reference for the commitment (a transaction ID or similar).
	Anchor(ctx context.Context, req *AnchorRequest) (string, error)

	// AnchorRecord commits a single record hash in per-record mode.
	AnchorRecord(ctx context.Context, req *RecordAnchorRequest) (string, error)

	// FetchAnchored returns the ledger's stored commitment for a batch.
	FetchAnchored(ctx context.Context, batchID string) (*AnchoredBatch, error)
}
