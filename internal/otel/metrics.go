package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	QueueDepth       metric.Int64UpDownCounter
	ActiveWorkers    metric.Int64UpDownCounter
	ActiveTasks      metric.Int64UpDownCounter
	StageDuration    metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	ItemsProcessed   metric.Int64Counter
	ReaperReclaimed  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrator.bus.queue_depth",
		metric.WithDescription("Number of messages currently enqueued, not yet reserved"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("orchestrator.worker.active",
		metric.WithDescription("Number of workers currently holding a reserved task"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("orchestrator.task.active",
		metric.WithDescription("Number of tasks in PENDING or RUNNING status"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("orchestrator.stage.duration",
		metric.WithDescription("Stage handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("orchestrator.task.duration",
		metric.WithDescription("End-to-end task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("orchestrator.task.completed",
		metric.WithDescription("Tasks that reached status SUCCESS"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("orchestrator.task.failed",
		metric.WithDescription("Tasks that reached status FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsProcessed, err = meter.Int64Counter("orchestrator.item.processed",
		metric.WithDescription("Items processed by a stage handler"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperReclaimed, err = meter.Int64Counter("orchestrator.reaper.reclaimed",
		metric.WithDescription("Tasks reclassified FAILED by the reaper due to lease expiry"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
