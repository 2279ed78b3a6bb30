// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Command anchorlog runs the ingestion gateway, WAL processor, anchoring
// scheduler, and HTTP API under one supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/anchorlog/anchorlog/internal/api"
	"github.com/anchorlog/anchorlog/internal/batch"
	"github.com/anchorlog/anchorlog/internal/config"
	"github.com/anchorlog/anchorlog/internal/database"
	"github.com/anchorlog/anchorlog/internal/ledger"
	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/models"
	"github.com/anchorlog/anchorlog/internal/supervisor"
	"github.com/anchorlog/anchorlog/internal/synctrack"
	"github.com/anchorlog/anchorlog/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Log)

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("anchorlog exited with error")
	}
}

func run(cfg *config.Config) error {
	store, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("store close failed")
		}
	}()

	tracker, err := synctrack.Open(cfg.Synctrack)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logging.Warn().Err(err).Msg("sync tracker close failed")
		}
	}()

	w, err := wal.Open(cfg.WAL)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logging.Warn().Err(err).Msg("WAL close failed")
		}
	}()

	led, err := ledger.NewHTTPLedger(cfg.Ledger)
	if err != nil {
		return err
	}

	engine, err := batch.NewEngine(cfg.Batch, store, tracker, led)
	if err != nil {
		return err
	}
	scheduler := batch.NewScheduler(engine)

	// The processor's insert callback is the only path a WAL entry takes
	// into the primary store, so it also registers the record for anchoring.
	insert := func(ctx context.Context, r *models.LogRecord) error {
		if _, err := store.UpsertRecord(ctx, r); err != nil {
			return err
		}
		if err := tracker.MarkPending(ctx, r.ID, r.CreatedAt); err != nil {
			return err
		}
		scheduler.Notify()
		return nil
	}

	recovered, err := w.Recover()
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Info().Int64("entries", recovered).Msg("replaying WAL backlog from previous run")
	}

	handler := api.NewHandler(store, tracker, w, engine, scheduler)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handler, api.RouterConfig{RateLimit: cfg.Server.RateLimit}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddPipelineService(supervisor.NewWALProcessorService(w, insert))
	tree.AddPipelineService(supervisor.NewStartStopService("anchoring-scheduler", scheduler))
	tree.AddAPIService(supervisor.NewHTTPService("http-api", server, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", server.Addr).
		Str("anchor_mode", engine.Mode()).
		Msg("anchorlog starting")

	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprint(svc.Service)).Msg("service did not stop in time")
		}
	}
	logging.Info().Msg("anchorlog stopped")
	return nil
}
