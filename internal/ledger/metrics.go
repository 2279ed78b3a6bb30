// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorlog_ledger_requests_total",
		Help: "Ledger requests by outcome (success, failure, rejected, not_found)",
	}, []string{"outcome"})

	metricRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchorlog_ledger_request_duration_seconds",
		Help:    "Latency of ledger requests including breaker rejections",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	metricBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anchorlog_ledger_breaker_state",
		Help: "Ledger circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)
