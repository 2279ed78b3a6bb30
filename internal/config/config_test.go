// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anchorlog/anchorlog/internal/batch"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	// The ledger URL has no sane default and must come from the operator.
	cfg.Ledger.BaseURL = "https://ledger.example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
ledger:
  base_url: https://ledger.example.com
batch:
  max_batch_size: 50
  min_batch_size: 5
wal:
  dir: ` + filepath.Join(dir, "wal") + `
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, cfgPath)
	// Env beats file.
	t.Setenv("ANCHORLOG_PORT", "9100")
	t.Setenv("ANCHORLOG_BATCH_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100 (env override)", cfg.Server.Port)
	}
	if cfg.Batch.MaxBatchSize != 50 {
		t.Errorf("MaxBatchSize = %d, want 50 (file override)", cfg.Batch.MaxBatchSize)
	}
	if cfg.Batch.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s (env override)", cfg.Batch.Interval)
	}
	if cfg.Batch.Mode != batch.ModeBatch {
		t.Errorf("Mode = %q, want default %q", cfg.Batch.Mode, batch.ModeBatch)
	}
	// Untouched settings keep their defaults.
	if cfg.Database.MaxMemory != "512MB" {
		t.Errorf("MaxMemory = %q, want default 512MB", cfg.Database.MaxMemory)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
ledger:
  base_url: https://ledger.example.com
batch:
  mode: sometimes
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, cfgPath)

	if _, err := Load(); err == nil {
		t.Error("Load accepted an invalid anchoring mode")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ANCHORLOG_PORT", "server.port"},
		{"ANCHORLOG_WAL_MAX_RETRIES", "wal.max_retries"},
		{"ANCHORLOG_ANCHOR_MODE", "batch.mode"},
		{"ANCHORLOG_LEDGER_URL", "ledger.base_url"},
		{"ANCHORLOG_UNKNOWN_THING", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
