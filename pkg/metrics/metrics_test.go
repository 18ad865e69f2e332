package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.CheckpointsTotal == nil {
		t.Error("CheckpointsTotal not initialized")
	}
	if r.StableLSN == nil {
		t.Error("StableLSN not initialized")
	}
	if r.LogFlushDuration == nil {
		t.Error("LogFlushDuration not initialized")
	}
	if r.ReplicationAcksTotal == nil {
		t.Error("ReplicationAcksTotal not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordCheckpoint(t *testing.T) {
	r := NewRegistry()

	r.RecordCheckpoint("completed")
	r.RecordCheckpoint("completed")
	r.RecordCheckpoint("aborted")

	completed, err := r.CheckpointsTotal.GetMetricWithLabelValues("completed")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if v := counterValue(t, completed); v != 2 {
		t.Errorf("completed = %v, want 2", v)
	}

	aborted, _ := r.CheckpointsTotal.GetMetricWithLabelValues("aborted")
	if v := counterValue(t, aborted); v != 1 {
		t.Errorf("aborted = %v, want 1", v)
	}
}

func TestRecordGroupCommit(t *testing.T) {
	r := NewRegistry()

	r.RecordGroupCommit(false, 4*time.Millisecond)
	if v := gaugeValue(t, r.GroupCommitBackoffSeconds); v != 0.004 {
		t.Errorf("backoff = %v, want 0.004", v)
	}
	r.RecordGroupCommit(true, 0)

	failures, _ := r.GroupCommitsTotal.GetMetricWithLabelValues("failure")
	successes, _ := r.GroupCommitsTotal.GetMetricWithLabelValues("success")
	if counterValue(t, failures) != 1 || counterValue(t, successes) != 1 {
		t.Error("group commit results not counted by label")
	}
	if v := gaugeValue(t, r.GroupCommitBackoffSeconds); v != 0 {
		t.Errorf("backoff after success = %v", v)
	}
}

func TestRecordThrottledWriteAndFaults(t *testing.T) {
	r := NewRegistry()

	r.RecordThrottledWrite("log_writer")
	r.RecordPartitionFault("transient")
	r.RecordAbortedTransactions(3)

	throttled, _ := r.ThrottledWritesTotal.GetMetricWithLabelValues("log_writer")
	if counterValue(t, throttled) != 1 {
		t.Error("throttled write not counted")
	}
	faults, _ := r.PartitionFaultsTotal.GetMetricWithLabelValues("transient")
	if counterValue(t, faults) != 1 {
		t.Error("fault not counted")
	}
	if v := counterValue(t, r.AbortedTransactionsTotal); v != 3 {
		t.Errorf("aborted transactions = %v, want 3", v)
	}
}

func TestRecordLogFlush(t *testing.T) {
	r := NewRegistry()
	r.RecordLogFlush(2*time.Millisecond, 4096)
	r.SetStableLSN(42)
	r.SetCompressionRatio(50, 100)
	r.SetCompressionRatio(1, 0)

	if v := gaugeValue(t, r.LogBytes); v != 4096 {
		t.Errorf("log bytes = %v", v)
	}
	if v := gaugeValue(t, r.StableLSN); v != 42 {
		t.Errorf("stable lsn = %v", v)
	}
	if v := gaugeValue(t, r.LogCompressionRatio); v != 0.5 {
		t.Errorf("compression ratio = %v, zero denominator must be ignored", v)
	}

	var metric dto.Metric
	if err := r.LogFlushDuration.Write(&metric); err != nil {
		t.Fatal(err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("flush samples = %d", metric.Histogram.GetSampleCount())
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()
	r.RecordCopyMode("partial", "copy-partial")
	r.RecordLockWait("backup-copy", time.Millisecond)
	r.RecordLogRecord("barrier")
	r.RecordAck("ok")
	r.UpdateSystemMetrics()

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "replog_") {
			t.Errorf("metric %s lacks the replog_ prefix", mf.GetName())
		}
	}

	if v := gaugeValue(t, r.GoRoutines); v < 1 {
		t.Errorf("goroutines = %v", v)
	}
}

func TestBackgroundTasks(t *testing.T) {
	r := NewRegistry()
	r.TaskStarted("Checkpoint")
	r.TaskStarted("Checkpoint")
	r.TaskStarted("GroupCommit")
	r.TaskFinished("Checkpoint")

	if v := gaugeValue(t, r.BackgroundTasks.WithLabelValues("Checkpoint")); v != 1 {
		t.Errorf("checkpoint tasks = %v, want 1", v)
	}
	if v := gaugeValue(t, r.BackgroundTasks.WithLabelValues("GroupCommit")); v != 1 {
		t.Errorf("group commit tasks = %v, want 1", v)
	}
}
