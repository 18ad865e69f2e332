package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLogMetrics() {
	r.LogFlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replog_log_flush_duration_seconds",
			Help:    "Duration of one log flush including fsync",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	r.LogBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_log_bytes",
			Help: "Bytes between the log head and tail",
		},
	)

	r.LogRecordsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_log_records_total",
			Help: "Records appended to the log, by record type",
		},
		[]string{"type"},
	)

	r.LogCompressionRatio = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_log_compression_ratio",
			Help: "Compressed over uncompressed payload bytes",
		},
	)
}

func (r *Registry) initReplicationMetrics() {
	r.ReplicationRecordsPublished = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "replog_replication_records_published_total",
			Help: "Records published to replicas",
		},
	)

	r.ReplicationAcksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "replog_replication_acks_total",
			Help: "Acknowledgements received from replicas",
		},
		[]string{"result"}, // ok, error, late
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_replication_connected_replicas",
			Help: "Number of replicas that acknowledged recently",
		},
	)
}
