// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package models defines the core data types shared across the ingestion
// pipeline.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Log levels accepted at the ingestion boundary.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LogRecord is a single ingested log record. A record is immutable once
// anchored: any later mutation of its stored fields is detectable by
// recomputing its content hash.
type LogRecord struct {
	// ID uniquely identifies the record across the primary store.
	// Caller-assigned, or generated at the ingestion boundary.
	ID string `json:"id"`

	// Hash is the SHA-256 content hash over the canonical field
	// concatenation (see merkle.RecordHash). Derived, never caller-supplied.
	Hash string `json:"hash,omitempty"`

	// Timestamp is the event time as an ISO-8601/RFC3339 string. Stored
	// verbatim because it participates in the content hash.
	Timestamp string `json:"timestamp"`

	// Source identifies the emitting system (free text).
	Source string `json:"source"`

	// Level is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	Level string `json:"level"`

	// Message is the log body.
	Message string `json:"message"`

	// Metadata is an opaque key-value map carried with the record.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Stacktrace is optional free text, typically present on ERROR records.
	Stacktrace string `json:"stacktrace,omitempty"`

	// CreatedAt is when the record was accepted by the ingestion boundary.
	CreatedAt time.Time `json:"created_at"`

	// BatchID, MerkleRoot and BatchedAt are stamped after the record's
	// batch has been anchored in the ledger.
	BatchID    string     `json:"batch_id,omitempty"`
	MerkleRoot string     `json:"merkle_root,omitempty"`
	BatchedAt  *time.Time `json:"batched_at,omitempty"`
}

// ValidLevel reports whether level is one of the accepted log levels.
func ValidLevel(level string) bool {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// NewRecordID generates a record ID in the form <source>_<16 hex chars>.
func NewRecordID(source string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return source + "_" + hex[:16]
}
