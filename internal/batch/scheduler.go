// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anchorlog/anchorlog/internal/logging"
)

// Scheduler drives the engine periodically and on demand. Ingestion calls
// Notify after each accepted record; the scheduler coalesces notifications
// and lets the engine's threshold decide whether a run does anything.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	notify   chan struct{}

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

// NewScheduler builds a scheduler around an engine.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: engine.cfg.Interval,
		notify:   make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("batch: scheduler already running")
	}
	if s.stopping {
		return errors.New("batch: scheduler is stopping")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopDone = make(chan struct{})
	s.running = true

	go s.run(ctx)

	logging.Info().
		Dur("interval", s.interval).
		Str("mode", s.engine.Mode()).
		Msg("anchoring scheduler started")
	return nil
}

// Stop terminates the loop and waits for the in-flight run to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	done := s.stopDone
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.cancel = nil
	s.stopDone = nil
	s.mu.Unlock()
	return nil
}

// Notify wakes the scheduler without blocking. Multiple notifications
// between runs collapse into one.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.notify:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.engine.ProcessPending(ctx, false); err != nil &&
		!errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("scheduled anchoring run failed")
		metricSchedulerFailures.Inc()
	}
}
