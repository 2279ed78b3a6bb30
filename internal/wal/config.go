// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package wal provides a durable, file-backed Write-Ahead Log placed in
// front of the primary store. Records are appended and fsynced to disk
// before the ingestion boundary acknowledges the caller, so an accepted
// record survives process crashes and primary-store outages.
//
// On-disk layout (all newline-delimited JSON, append-only):
//
//	logs_pending.wal    current segment; writers append here
//	segment-NNNNNN.wal  sealed segments awaiting processing
//	logs_processed.wal  audit trail of entries confirmed in the primary store
//	logs_deadletter.wal entries that exhausted their retry budget
//
// The processor never reads the file writers are appending to: each cycle
// it seals the current pending file by renaming it under the writer mutex
// and then consumes only sealed segments. A concurrent Write therefore
// always lands either in the sealed segment (before the rename) or in the
// fresh pending file (after it), never in a window where it could be lost.
package wal

import (
	"time"
)

// Config holds WAL configuration.
type Config struct {
	// Dir is the directory holding the WAL files.
	// Must be on a durable filesystem (not tmpfs).
	Dir string `koanf:"dir"`

	// CheckInterval is the time between processor cycles.
	CheckInterval time.Duration `koanf:"check_interval"`

	// MaxRetries bounds how many processor cycles an entry may fail before
	// it is moved to the dead-letter file. Dead-lettered entries no longer
	// block the rest of the queue and require operator intervention.
	MaxRetries int `koanf:"max_retries"`

	// SyncWrites forces fsync after every append. Disabling it trades the
	// durability guarantee for throughput; tests disable it for speed.
	SyncWrites bool `koanf:"sync_writes"`

	// CloseTimeout bounds how long StopProcessor waits for the background
	// loop to finish its current cycle.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// DefaultConfig returns a Config with durability-first defaults.
func DefaultConfig() Config {
	return Config{
		Dir:           "/data/wal",
		CheckInterval: 5 * time.Second,
		MaxRetries:    25,
		SyncWrites:    true,
		CloseTimeout:  10 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &ConfigError{Field: "Dir", Message: "WAL directory is required"}
	}
	if c.CheckInterval <= 0 {
		return &ConfigError{Field: "CheckInterval", Message: "must be positive"}
	}
	if c.MaxRetries < 1 {
		return &ConfigError{Field: "MaxRetries", Message: "must be at least 1"}
	}
	if c.CloseTimeout <= 0 {
		return &ConfigError{Field: "CloseTimeout", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "WAL config error: " + e.Field + ": " + e.Message
}
