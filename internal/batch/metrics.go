// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_batches_created_total",
		Help: "Total batches successfully anchored",
	})

	metricBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_batch_failures_total",
		Help: "Total batch runs aborted by a ledger failure",
	})

	metricRecordsAnchored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_records_anchored_total",
		Help: "Total records covered by a ledger anchor",
	})

	metricBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchorlog_batch_size",
		Help:    "Records per anchored batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	metricBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchorlog_batch_duration_seconds",
		Help:    "End-to-end latency of batch creation including the ledger call",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	metricVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchorlog_verifications_total",
		Help: "Batch verifications by outcome (verified, compromised)",
	}, []string{"outcome"})

	metricSchedulerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anchorlog_scheduler_run_failures_total",
		Help: "Total scheduled anchoring runs that returned an error",
	})
)
