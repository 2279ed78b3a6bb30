// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package database is the DuckDB-backed primary store for log records and
// batch stamps. The WAL is the durability boundary, not this store: inserts
// arrive via the WAL processor and must be idempotent, so a replayed record
// is detected by its primary key and skipped.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	json "github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/models"
)

// ErrNotFound is returned when a record or batch does not exist.
var ErrNotFound = errors.New("database: not found")

// Config holds database configuration.
type Config struct {
	// Path is the DuckDB file path, or ":memory:" for an ephemeral store.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB's memory use, e.g. "512MB".
	MaxMemory string `koanf:"max_memory"`

	// Threads sets DuckDB's thread count; <=0 uses all CPUs.
	Threads int `koanf:"threads"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/anchorlog.db",
		MaxMemory: "512MB",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("database config error: Path is required")
	}
	if c.MaxMemory == "" {
		return errors.New("database config error: MaxMemory is required")
	}
	return nil
}

// Store wraps the DuckDB connection.
type Store struct {
	conn *sql.DB
}

// BatchRecord is the locally stored view of an anchored batch.
type BatchRecord struct {
	BatchID     string    `json:"batch_id"`
	MerkleRoot  string    `json:"merkle_root"`
	RecordCount int       `json:"record_count"`
	LedgerRef   string    `json:"ledger_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListFilter narrows ListRecords output. Zero values mean no filtering.
type ListFilter struct {
	Source  string
	Level   string
	BatchID string
	Limit   int
	Offset  int
}

// New opens (or creates) the store and runs the schema migration.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	// Auto-install/auto-load are disabled so startup cannot hang in
	// network-restricted environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// DuckDB is embedded; a single writer connection avoids lock contention.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return s, nil
}

func (s *Store) migrate() error {
	// Timestamp is stored verbatim as VARCHAR: it participates in the
	// record hash byte-for-byte, and round-tripping through a TIMESTAMP
	// column could change its rendering and silently break verification.
	const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id          VARCHAR PRIMARY KEY,
	hash        VARCHAR NOT NULL,
	ts          VARCHAR NOT NULL,
	source      VARCHAR NOT NULL,
	level       VARCHAR NOT NULL,
	message     VARCHAR NOT NULL,
	metadata    VARCHAR,
	stacktrace  VARCHAR,
	created_at  TIMESTAMP NOT NULL,
	batch_id    VARCHAR,
	merkle_root VARCHAR,
	batched_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_logs_batch_id ON logs (batch_id);
CREATE INDEX IF NOT EXISTS idx_logs_source ON logs (source);

CREATE TABLE IF NOT EXISTS batches (
	batch_id     VARCHAR PRIMARY KEY,
	merkle_root  VARCHAR NOT NULL,
	record_count INTEGER NOT NULL,
	ledger_ref   VARCHAR NOT NULL,
	created_at   TIMESTAMP NOT NULL
);`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("run schema migration: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// UpsertRecord inserts a record, skipping it if the ID already exists.
// Returns true when the row was actually inserted. Idempotency here is what
// lets the WAL processor replay segments safely.
func (s *Store) UpsertRecord(ctx context.Context, r *models.LogRecord) (bool, error) {
	var metadata any
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode record metadata: %w", err)
		}
		metadata = string(data)
	}

	res, err := s.conn.ExecContext(ctx, `
INSERT INTO logs (id, hash, ts, source, level, message, metadata, stacktrace, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Hash, r.Timestamp, r.Source, r.Level, r.Message, metadata, nullable(r.Stacktrace), r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record %s: rows affected: %w", r.ID, err)
	}
	return n > 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const recordColumns = `id, hash, ts, source, level, message, metadata, stacktrace, created_at, batch_id, merkle_root, batched_at`

func scanRecord(row interface{ Scan(...any) error }) (*models.LogRecord, error) {
	var (
		r          models.LogRecord
		metadata   sql.NullString
		stacktrace sql.NullString
		batchID    sql.NullString
		merkleRoot sql.NullString
		batchedAt  sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Hash, &r.Timestamp, &r.Source, &r.Level, &r.Message,
		&metadata, &stacktrace, &r.CreatedAt, &batchID, &merkleRoot, &batchedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode record metadata: %w", err)
		}
	}
	r.Stacktrace = stacktrace.String
	r.BatchID = batchID.String
	r.MerkleRoot = merkleRoot.String
	if batchedAt.Valid {
		t := batchedAt.Time
		r.BatchedAt = &t
	}
	return &r, nil
}

// GetRecord returns one record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.LogRecord, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM logs WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

// GetRecordsByIDs returns the named records in exactly the order of ids.
// Verification depends on this ordering: the Merkle root is computed over
// the batch's record sequence, not over any database sort order.
func (s *Store) GetRecordsByIDs(ctx context.Context, ids []string) ([]models.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM logs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get records by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.LogRecord, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("get records by ids: %w", err)
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get records by ids: %w", err)
	}

	out := make([]models.LogRecord, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
		}
		out = append(out, *r)
	}
	return out, nil
}

// ListRecords returns records matching the filter, newest first.
func (s *Store) ListRecords(ctx context.Context, f ListFilter) ([]models.LogRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM logs`
	var (
		conds []string
		args  []any
	)
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	if f.BatchID != "" {
		conds = append(conds, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.LogRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// StampBatch marks the given records as anchored and records the batch, all
// in one transaction.
func (s *Store) StampBatch(ctx context.Context, batch *BatchRecord, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return errors.New("database: stamp batch with no records")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stamp batch %s: begin: %w", batch.BatchID, err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(recordIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(recordIDs)+3)
	args = append(args, batch.BatchID, batch.MerkleRoot, batch.CreatedAt)
	for _, id := range recordIDs {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE logs SET batch_id = ?, merkle_root = ?, batched_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("stamp batch %s: update records: %w", batch.BatchID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(recordIDs)) {
		logging.Warn().
			Str("batch_id", batch.BatchID).
			Int64("stamped", n).
			Int("expected", len(recordIDs)).
			Msg("batch stamp touched fewer records than expected")
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO batches (batch_id, merkle_root, record_count, ledger_ref, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (batch_id) DO NOTHING`,
		batch.BatchID, batch.MerkleRoot, batch.RecordCount, batch.LedgerRef, batch.CreatedAt); err != nil {
		return fmt.Errorf("stamp batch %s: insert batch: %w", batch.BatchID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stamp batch %s: commit: %w", batch.BatchID, err)
	}
	return nil
}

// GetBatch returns one batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	var b BatchRecord
	err := s.conn.QueryRowContext(ctx, `
SELECT batch_id, merkle_root, record_count, ledger_ref, created_at
FROM batches WHERE batch_id = ?`, batchID).
		Scan(&b.BatchID, &b.MerkleRoot, &b.RecordCount, &b.LedgerRef, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return &b, nil
}

// ListBatches returns batches newest first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]BatchRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx, `
SELECT batch_id, merkle_root, record_count, ledger_ref, created_at
FROM batches ORDER BY created_at DESC, batch_id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		if err := rows.Scan(&b.BatchID, &b.MerkleRoot, &b.RecordCount, &b.LedgerRef, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

// Stats summarizes store contents for the stats endpoint.
type Stats struct {
	TotalRecords   int64 `json:"total_records"`
	BatchedRecords int64 `json:"batched_records"`
	TotalBatches   int64 `json:"total_batches"`
}

// GetStats returns record and batch counts.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.conn.QueryRowContext(ctx, `
SELECT
	(SELECT count(*) FROM logs),
	(SELECT count(*) FROM logs WHERE batch_id IS NOT NULL),
	(SELECT count(*) FROM batches)`).
		Scan(&st.TotalRecords, &st.BatchedRecords, &st.TotalBatches)
	if err != nil {
		return nil, fmt.Errorf("get store stats: %w", err)
	}
	return &st, nil
}
