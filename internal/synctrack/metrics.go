// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package synctrack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPendingMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_synctrack_pending_marked_total",
		Help: "Total records registered as awaiting anchoring",
	})

	metricClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_synctrack_claimed_total",
		Help: "Total records claimed for batching",
	})

	metricReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_synctrack_released_total",
		Help: "Total claimed records returned to pending after a failed batch",
	})

	metricSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_synctrack_synced_total",
		Help: "Total records finalized as anchored",
	})

	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_synctrack_failed_total",
		Help: "Total records marked terminally failed",
	})
)
