package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCheckpointMetrics() {
	r.CheckpointsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_checkpoints_total",
			Help: "Checkpoints finished, by final state",
		},
		[]string{"outcome"}, // completed, aborted, faulted
	)

	r.LogHeadTruncationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_log_head_truncations_total",
			Help: "Log head truncations finished, by final state",
		},
		[]string{"outcome"},
	)

	r.StableLSN = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_stable_lsn",
			Help: "Highest LSN known to be quorum-acknowledged",
		},
	)

	r.ConsistencyLockWaitSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replog_consistency_lock_wait_seconds",
			Help:    "Time spent acquiring a consistency lock",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"lock"},
	)

	r.PartitionFaultsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_partition_faults_total",
			Help: "Faults reported to the role context",
		},
		[]string{"kind"}, // transient, permanent
	)

	r.AbortedTransactionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "replog_aborted_transactions_total",
			Help: "Transactions aborted because they pinned the log head",
		},
	)

	r.ThrottledWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_throttled_writes_total",
			Help: "Writes rejected as too busy, by saturated resource",
		},
		[]string{"resource"}, // log_writer, pending_checkpoint, pending_truncation
	)

	r.GroupCommitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_group_commits_total",
			Help: "Group commit barriers, by result",
		},
		[]string{"result"}, // success, failure
	)

	r.GroupCommitBackoffSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_group_commit_backoff_seconds",
			Help: "Current delay before the next group commit retry",
		},
	)

	r.CopyModeDecisionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_copy_mode_decisions_total",
			Help: "Copy mode decisions made while building replicas",
		},
		[]string{"mode", "reason"},
	)
}
