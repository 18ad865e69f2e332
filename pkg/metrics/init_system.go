package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initProcessMetrics registers the gauges describing the replica process
// that hosts the log and its orchestrator.
func (r *Registry) initProcessMetrics() {
	r.UptimeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_process_uptime_seconds",
			Help: "Seconds since the replica process opened its metrics registry",
		},
	)

	r.GoRoutines = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "replog_process_goroutines",
			Help: "Goroutines in the replica process, flusher and replication workers included",
		},
	)

	r.BackgroundTasks = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replog_orchestrator_background_tasks",
			Help: "Checkpoint, truncation, barrier and group commit tasks in flight, by operation",
		},
		[]string{"operation"},
	)
}
