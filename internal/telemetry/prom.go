package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus mirrors of the orchestrator's OTel instruments, exposed on the
// HTTP API's /metrics endpoint. Registered on the default registry.
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Number of messages currently enqueued, not yet reserved.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_workers_active",
		Help: "Number of workers currently holding a reserved task.",
	})

	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_terminal_total",
		Help: "Tasks that reached a terminal status, by status.",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Stage handler execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_items_processed_total",
		Help: "Items processed by stage handlers, by stage.",
	}, []string{"stage"})

	ReaperReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reaper_reclaimed_total",
		Help: "Tasks reclassified FAILED by the reaper due to lease expiry.",
	})
)
