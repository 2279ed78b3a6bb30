// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package synctrack

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/anchorlog/anchorlog/internal/logging"
)

// badgerLogger routes Badger's internal logging through zerolog. Badger's
// info output is chatty, so it is demoted to debug.
type badgerLogger struct {
	log zerolog.Logger
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{log: logging.With().Str("component", "badger").Logger()}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}
