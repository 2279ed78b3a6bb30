// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package api is the HTTP gateway. The ingestion handler's contract is
// durability-first: a 201 means the record is on the WAL and will reach the
// primary store even if everything downstream is on fire right now.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/batch"
	"github.com/anchorlog/anchorlog/internal/database"
	"github.com/anchorlog/anchorlog/internal/ledger"
	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/merkle"
	"github.com/anchorlog/anchorlog/internal/models"
	"github.com/anchorlog/anchorlog/internal/synctrack"
	"github.com/anchorlog/anchorlog/internal/wal"
)

// Handler carries the gateway's dependencies.
type Handler struct {
	store     *database.Store
	tracker   *synctrack.Tracker
	wal       *wal.WAL
	engine    *batch.Engine
	scheduler *batch.Scheduler
	validate  *validator.Validate
}

// NewHandler wires the gateway.
func NewHandler(store *database.Store, tracker *synctrack.Tracker, w *wal.WAL, engine *batch.Engine, scheduler *batch.Scheduler) *Handler {
	return &Handler{
		store:     store,
		tracker:   tracker,
		wal:       w,
		engine:    engine,
		scheduler: scheduler,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

type createLogRequest struct {
	ID         string         `json:"id" validate:"omitempty,max=256"`
	Timestamp  string         `json:"timestamp" validate:"omitempty,max=64"`
	Source     string         `json:"source" validate:"required,max=128"`
	Level      string         `json:"level" validate:"required"`
	Message    string         `json:"message" validate:"required,max=65536"`
	Metadata   map[string]any `json:"metadata"`
	Stacktrace string         `json:"stacktrace" validate:"omitempty,max=262144"`
}

type createLogResponse struct {
	ID     string `json:"id"`
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

// CreateLog accepts one log record. The WAL append is the only step that
// can fail the request; store and tracker writes afterwards are best-effort
// because the WAL processor replays them if they miss.
func (h *Handler) CreateLog(w http.ResponseWriter, r *http.Request) {
	var req createLogRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}
	if !models.ValidLevel(req.Level) {
		writeError(w, http.StatusBadRequest, "invalid level: "+req.Level)
		return
	}

	now := time.Now().UTC()
	record := &models.LogRecord{
		ID:         strings.TrimSpace(req.ID),
		Timestamp:  strings.TrimSpace(req.Timestamp),
		Source:     req.Source,
		Level:      req.Level,
		Message:    req.Message,
		Metadata:   req.Metadata,
		Stacktrace: req.Stacktrace,
		CreatedAt:  now,
	}
	if record.ID == "" {
		record.ID = models.NewRecordID(record.Source)
	}
	if record.Timestamp == "" {
		record.Timestamp = now.Format(time.RFC3339Nano)
	}
	record.Hash = merkle.RecordHash(record)

	ctx := r.Context()
	if err := h.wal.Write(ctx, record); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("WAL append failed; rejecting ingestion")
		writeError(w, http.StatusInternalServerError, "log could not be durably accepted")
		return
	}

	// Fast path into the store so reads see the record immediately. Errors
	// here are logged, not surfaced: the WAL replay makes them good.
	if _, err := h.store.UpsertRecord(ctx, record); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("record_id", record.ID).
			Msg("direct store insert failed; WAL processor will retry")
	}
	if err := h.tracker.MarkPending(ctx, record.ID, record.CreatedAt); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("record_id", record.ID).
			Msg("sync tracking failed; WAL processor will retry")
	}
	h.scheduler.Notify()

	writeJSON(w, http.StatusCreated, createLogResponse{
		ID:     record.ID,
		Hash:   record.Hash,
		Status: "accepted",
	})
}

// GetLog returns one record plus its sync state.
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := h.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found: "+id)
			return
		}
		writeInternalError(w, r, err)
		return
	}

	resp := struct {
		Record    *models.LogRecord    `json:"record"`
		SyncState *synctrack.SyncState `json:"sync_state,omitempty"`
	}{Record: record}

	if state, err := h.tracker.Get(r.Context(), id); err == nil {
		resp.SyncState = state
	} else if !errors.Is(err, synctrack.ErrNotFound) {
		logging.Ctx(r.Context()).Warn().Err(err).Str("record_id", id).Msg("sync state lookup failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListLogs returns records filtered by source, level, and batch_id.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ListFilter{
		Source:  q.Get("source"),
		Level:   q.Get("level"),
		BatchID: q.Get("batch_id"),
		Limit:   queryInt(q.Get("limit"), 100),
		Offset:  queryInt(q.Get("offset"), 0),
	}
	if filter.Level != "" && !models.ValidLevel(filter.Level) {
		writeError(w, http.StatusBadRequest, "invalid level: "+filter.Level)
		return
	}

	records, err := h.store.ListRecords(r.Context(), filter)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if records == nil {
		records = []models.LogRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// CreateBatch forces an anchoring run, bypassing the size threshold.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CreateBatch(r.Context())
	if err != nil {
		if errors.Is(err, batch.ErrNoEligibleRecords) {
			writeError(w, http.StatusConflict, "no records eligible for batching")
			return
		}
		if errors.Is(err, ledger.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, "ledger unavailable; records remain pending")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListBatches returns locally recorded batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batches, err := h.store.ListBatches(r.Context(), queryInt(q.Get("limit"), 100), queryInt(q.Get("offset"), 0))
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if batches == nil {
		batches = []database.BatchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetBatch returns one locally recorded batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.store.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found: "+id)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// VerifyBatch recomputes a batch's Merkle root and compares it against the
// ledger's anchored root. A COMPROMISED result is still HTTP 200: the
// verification itself succeeded.
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.engine.VerifyBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not anchored: "+id)
			return
		}
		if errors.Is(err, ledger.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, "ledger unavailable")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats aggregates store, sync, and WAL statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	syncCounts, err := h.engine.SyncCounts(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store": storeStats,
		"sync":  syncCounts,
		"wal":   h.wal.Stats(),
		"mode":  h.engine.Mode(),
	})
}

// WALStats returns WAL counters only.
func (h *Handler) WALStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wal.Stats())
}

// ProcessWAL forces a WAL processing cycle, for operators draining a
// backlog without waiting for the next tick.
func (h *Handler) ProcessWAL(w http.ResponseWriter, r *http.Request) {
	if err := h.wal.ForceProcess(r.Context()); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.wal.Stats())
}

// Health reports liveness of the store dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Ctx(r.Context()).Error().Err(err).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
