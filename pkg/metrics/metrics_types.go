package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the replicated log
type Registry struct {
	// Checkpoint Metrics
	CheckpointsTotal           *prometheus.CounterVec
	LogHeadTruncationsTotal    *prometheus.CounterVec
	StableLSN                  prometheus.Gauge
	ConsistencyLockWaitSeconds *prometheus.HistogramVec
	PartitionFaultsTotal       *prometheus.CounterVec
	AbortedTransactionsTotal   prometheus.Counter
	ThrottledWritesTotal       *prometheus.CounterVec

	// Group Commit Metrics
	GroupCommitsTotal         *prometheus.CounterVec
	GroupCommitBackoffSeconds prometheus.Gauge

	// Copy Metrics
	CopyModeDecisionsTotal *prometheus.CounterVec

	// Log Metrics
	LogFlushDuration    prometheus.Histogram
	LogBytes            prometheus.Gauge
	LogRecordsTotal     *prometheus.CounterVec
	LogCompressionRatio prometheus.Gauge

	// Replication Metrics
	ReplicationRecordsPublished  prometheus.Counter
	ReplicationAcksTotal         *prometheus.CounterVec
	ReplicationConnectedReplicas prometheus.Gauge

	// Process Metrics
	UptimeSeconds   prometheus.Gauge
	GoRoutines      prometheus.Gauge
	BackgroundTasks *prometheus.GaugeVec

	registry  *prometheus.Registry
	startTime time.Time
	mu        sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry:  reg,
		startTime: time.Now(),
	}

	r.initCheckpointMetrics()
	r.initLogMetrics()
	r.initReplicationMetrics()
	r.initProcessMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
