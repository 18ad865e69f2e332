package metrics

import (
	"runtime"
	"time"
)

// RecordCheckpoint counts a checkpoint that reached a final state
func (r *Registry) RecordCheckpoint(outcome string) {
	r.CheckpointsTotal.WithLabelValues(outcome).Inc()
}

// RecordLogHeadTruncation counts a truncation that reached a final state
func (r *Registry) RecordLogHeadTruncation(outcome string) {
	r.LogHeadTruncationsTotal.WithLabelValues(outcome).Inc()
}

// SetStableLSN publishes the stable-LSN watermark
func (r *Registry) SetStableLSN(lsn int64) {
	r.StableLSN.Set(float64(lsn))
}

// RecordGroupCommit records a barrier outcome and the retry delay now in effect
func (r *Registry) RecordGroupCommit(success bool, backoff time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.GroupCommitsTotal.WithLabelValues(result).Inc()
	r.GroupCommitBackoffSeconds.Set(backoff.Seconds())
}

// RecordThrottledWrite counts a write rejected because resource is saturated
func (r *Registry) RecordThrottledWrite(resource string) {
	r.ThrottledWritesTotal.WithLabelValues(resource).Inc()
}

// RecordCopyMode counts a copy mode decision
func (r *Registry) RecordCopyMode(mode, reason string) {
	r.CopyModeDecisionsTotal.WithLabelValues(mode, reason).Inc()
}

// RecordLockWait observes the time spent acquiring a consistency lock
func (r *Registry) RecordLockWait(lock string, wait time.Duration) {
	r.ConsistencyLockWaitSeconds.WithLabelValues(lock).Observe(wait.Seconds())
}

// RecordPartitionFault counts a fault reported to the role context
func (r *Registry) RecordPartitionFault(kind string) {
	r.PartitionFaultsTotal.WithLabelValues(kind).Inc()
}

// RecordAbortedTransactions counts transactions aborted to free the log head
func (r *Registry) RecordAbortedTransactions(n int) {
	r.AbortedTransactionsTotal.Add(float64(n))
}

// RecordLogFlush observes one flush and the log usage after it
func (r *Registry) RecordLogFlush(duration time.Duration, logBytes uint64) {
	r.LogFlushDuration.Observe(duration.Seconds())
	r.LogBytes.Set(float64(logBytes))
}

// RecordLogRecord counts an appended record
func (r *Registry) RecordLogRecord(recordType string) {
	r.LogRecordsTotal.WithLabelValues(recordType).Inc()
}

// SetCompressionRatio publishes the payload compression ratio
func (r *Registry) SetCompressionRatio(compressed, uncompressed uint64) {
	if uncompressed == 0 {
		return
	}
	r.LogCompressionRatio.Set(float64(compressed) / float64(uncompressed))
}

// RecordAck counts an acknowledgement from a replica
func (r *Registry) RecordAck(result string) {
	r.ReplicationAcksTotal.WithLabelValues(result).Inc()
}

// TaskStarted counts an orchestrator background task of op in flight
func (r *Registry) TaskStarted(op string) {
	r.BackgroundTasks.WithLabelValues(op).Inc()
}

// TaskFinished releases a task counted by TaskStarted
func (r *Registry) TaskFinished(op string) {
	r.BackgroundTasks.WithLabelValues(op).Dec()
}

// UpdateSystemMetrics refreshes the process gauges
func (r *Registry) UpdateSystemMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.UptimeSeconds.Set(time.Since(r.startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
