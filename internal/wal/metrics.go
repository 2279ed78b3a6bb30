// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_writes_total",
		Help: "Total records durably appended to the WAL",
	})

	metricWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_write_failures_total",
		Help: "Total WAL append failures (caller received an error)",
	})

	metricProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_processed_total",
		Help: "Total WAL entries confirmed in the primary store",
	})

	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_retries_total",
		Help: "Total WAL entry requeues after a failed insert",
	})

	metricPoisonedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_poisoned_total",
		Help: "Total unparsable WAL entries dropped",
	})

	metricDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_dead_lettered_total",
		Help: "Total WAL entries moved to the dead-letter file",
	})

	metricSegmentsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_wal_segments_sealed_total",
		Help: "Total pending files sealed into segments for processing",
	})

	metricPendingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anchorlog_wal_pending_entries",
		Help: "Entries currently awaiting successful insertion",
	})

	metricWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchorlog_wal_write_duration_seconds",
		Help:    "Latency of durable WAL appends",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)
