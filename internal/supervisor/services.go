// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anchorlog/anchorlog/internal/logging"
	"github.com/anchorlog/anchorlog/internal/wal"
)

// StartStopper is the lifecycle shape shared by the anchoring scheduler and
// similar loop-owning components.
type StartStopper interface {
	Start() error
	Stop() error
}

// StartStopService adapts a Start/Stop component to suture's Serve pattern:
// start, block on the context, stop.
type StartStopService struct {
	name string
	s    StartStopper
}

// NewStartStopService wraps a StartStopper as a supervised service.
func NewStartStopService(name string, s StartStopper) *StartStopService {
	return &StartStopService{name: name, s: s}
}

func (x *StartStopService) Serve(ctx context.Context) error {
	if err := x.s.Start(); err != nil {
		return fmt.Errorf("%s start failed: %w", x.name, err)
	}
	<-ctx.Done()
	if err := x.s.Stop(); err != nil {
		logging.Warn().Err(err).Str("service", x.name).Msg("service stop reported error")
	}
	return ctx.Err()
}

func (x *StartStopService) String() string { return x.name }

// WALProcessorService supervises the WAL drain loop.
type WALProcessorService struct {
	wal    *wal.WAL
	insert wal.InsertFunc
}

// NewWALProcessorService wraps the WAL processor as a supervised service.
// insert is the primary-store callback the processor drains entries into.
func NewWALProcessorService(w *wal.WAL, insert wal.InsertFunc) *WALProcessorService {
	return &WALProcessorService{wal: w, insert: insert}
}

func (s *WALProcessorService) Serve(ctx context.Context) error {
	if err := s.wal.StartProcessor(s.insert); err != nil {
		return fmt.Errorf("WAL processor start failed: %w", err)
	}
	<-ctx.Done()
	if err := s.wal.StopProcessor(); err != nil {
		logging.Warn().Err(err).Msg("WAL processor stop reported error")
	}
	return ctx.Err()
}

func (s *WALProcessorService) String() string { return "wal-processor" }

// HTTPService runs an http.Server under supervision with graceful shutdown.
type HTTPService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps an http.Server as a supervised service.
func NewHTTPService(name string, server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return fmt.Errorf("%s serve failed: %w", s.name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Str("service", s.name).Msg("HTTP shutdown incomplete")
		}
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return s.name }
