// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package config loads layered configuration with Koanf v2: struct defaults,
// then an optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/anchorlog/anchorlog/internal/batch"
	"github.com/anchorlog/anchorlog/internal/database"
	"github.com/anchorlog/anchorlog/internal/ledger"
	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/synctrack"
	"github.com/anchorlog/anchorlog/internal/wal"
)

// DefaultConfigPaths lists where config files are searched, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/anchorlog/config.yaml",
	"/etc/anchorlog/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "ANCHORLOG_CONFIG"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RateLimit caps requests per client IP per minute; 0 disables it.
	RateLimit int `koanf:"rate_limit"`
}

// Validate checks server settings.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server config error: Port %d out of range", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("server config error: timeouts must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("server config error: RateLimit must be >= 0")
	}
	return nil
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Log       logging.Config    `koanf:"log"`
	Database  database.Config   `koanf:"database"`
	WAL       wal.Config        `koanf:"wal"`
	Synctrack synctrack.Config  `koanf:"synctrack"`
	Batch     batch.Config      `koanf:"batch"`
	Ledger    ledger.HTTPConfig `koanf:"ledger"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8420,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
		},
		Log:       logging.DefaultConfig(),
		Database:  database.DefaultConfig(),
		WAL:       wal.DefaultConfig(),
		Synctrack: synctrack.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		Ledger:    ledger.DefaultHTTPConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// ANCHORLOG_* environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("ANCHORLOG_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.WAL.Validate(); err != nil {
		return err
	}
	if err := c.Synctrack.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings routes ANCHORLOG_* variables (prefix already stripped and
// lowercased) to config paths. Section names contain underscores themselves,
// so a split-on-first-underscore heuristic would misroute keys like
// ANCHORLOG_BATCH_MAX_BATCH_SIZE; an explicit table keeps it unambiguous.
var envMappings = map[string]string{
	"host":             "server.host",
	"port":             "server.port",
	"read_timeout":     "server.read_timeout",
	"write_timeout":    "server.write_timeout",
	"idle_timeout":     "server.idle_timeout",
	"shutdown_timeout": "server.shutdown_timeout",
	"rate_limit":       "server.rate_limit",

	"log_level":     "log.level",
	"log_format":    "log.format",
	"log_caller":    "log.caller",
	"log_timestamp": "log.timestamp",

	"db_path":       "database.path",
	"db_max_memory": "database.max_memory",
	"db_threads":    "database.threads",

	"wal_dir":            "wal.dir",
	"wal_check_interval": "wal.check_interval",
	"wal_max_retries":    "wal.max_retries",
	"wal_sync_writes":    "wal.sync_writes",
	"wal_close_timeout":  "wal.close_timeout",

	"synctrack_dir":         "synctrack.dir",
	"synctrack_gc_interval": "synctrack.gc_interval",

	"anchor_mode":    "batch.mode",
	"batch_max_size": "batch.max_batch_size",
	"batch_min_size": "batch.min_batch_size",
	"batch_interval": "batch.interval",

	"ledger_url":             "ledger.base_url",
	"ledger_api_key":         "ledger.api_key",
	"ledger_timeout":         "ledger.timeout",
	"ledger_rate_limit":      "ledger.rate_limit",
	"ledger_rate_burst":      "ledger.rate_burst",
	"ledger_breaker_timeout": "ledger.breaker_timeout",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "ANCHORLOG_"))
	if path, ok := envMappings[key]; ok {
		return path
	}
	// Unknown keys are dropped rather than guessed at.
	return ""
}
