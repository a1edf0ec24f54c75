// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container lifecycle
	ContainerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_container_spawns_total",
			Help: "Containers spawned, labelled by image",
		},
		[]string{"image"},
	)

	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_active_containers",
			Help: "Containers currently in a non-terminal state",
		},
	)

	ActiveAttachments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_active_attachments",
			Help: "Client attachments not yet detached",
		},
	)

	WarmContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_warm_containers",
			Help: "Pre-provisioned containers waiting to be claimed",
		},
	)

	// Execution engine
	ExecsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_execs_total",
			Help: "Executions finished, labelled by terminal status",
		},
		[]string{"status"},
	)

	InflightExecs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_inflight_execs",
			Help: "Executions currently holding a concurrency slot",
		},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_exec_duration_seconds",
			Help:    "Wall-clock duration of finished executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
	)

	ExecOutputBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_exec_output_bytes",
			Help:    "Combined stdout and stderr bytes per execution",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	// Workspace gateway
	FSOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_fs_operations_total",
			Help: "Workspace filesystem operations, labelled by operation",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(ContainerSpawns)
	prometheus.MustRegister(ActiveContainers)
	prometheus.MustRegister(ActiveAttachments)
	prometheus.MustRegister(WarmContainers)
	prometheus.MustRegister(ExecsTotal)
	prometheus.MustRegister(InflightExecs)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ExecOutputBytes)
	prometheus.MustRegister(FSOperations)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
