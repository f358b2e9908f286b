// Package worker is the Worker Runtime: it reserves queued tasks,
// plans their execution, drives stage handlers in order, streams progress,
// and writes the terminal outcome. One goroutine per configured slot; each
// slot holds at most one task at a time.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/items"
	"github.com/basket/orchestrator/internal/otel"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
	"github.com/basket/orchestrator/internal/telemetry"
)

// Config wires a Worker pool.
type Config struct {
	WorkerID          string
	Concurrency       int
	QueueName         string
	PollInterval      time.Duration
	Visibility        time.Duration // queue lease; heartbeats extend it
	HeartbeatInterval time.Duration
	HandlerTimeout    time.Duration
	ProjectRoot       string
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Hour
	}
}

// Worker is a pool of task-execution slots over one queue.
type Worker struct {
	cfg      Config
	store    *store.Store
	items    *items.Repository
	queue    bus.Queue
	events   *bus.Bus
	progress *progress.Bus
	registry *stage.Registry
	collab   stage.Collaborators
	logger   *slog.Logger
	metrics  *otel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the collaborators a Worker needs.
type Deps struct {
	Store         *store.Store
	Items         *items.Repository
	Queue         bus.Queue
	Events        *bus.Bus
	Progress      *progress.Bus
	Registry      *stage.Registry
	Collaborators stage.Collaborators
	Logger        *slog.Logger
	Metrics       *otel.Metrics
}

// New creates a Worker pool.
func New(cfg Config, deps Deps) *Worker {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		store:    deps.Store,
		items:    deps.Items,
		queue:    deps.Queue,
		events:   deps.Events,
		progress: deps.Progress,
		registry: deps.Registry,
		collab:   deps.Collaborators,
		logger:   logger.With("component", "worker", "worker_id", cfg.WorkerID),
		metrics:  deps.Metrics,
	}
}

// Start launches the pool's poll loops. They run until Stop or ctx
// cancellation.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.pollLoop(ctx, i)
	}
	w.logger.Info("worker pool started", "concurrency", w.cfg.Concurrency, "queue", w.cfg.QueueName)
}

// Stop cancels the poll loops and waits for in-flight tasks to finish their
// current suspension point.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *Worker) pollLoop(ctx context.Context, slot int) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := w.queue.Reserve(ctx, w.cfg.QueueName, w.cfg.WorkerID, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("reserve failed", "error", err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if delivery == nil {
			if depth, err := w.queue.Depth(ctx, w.cfg.QueueName); err == nil {
				telemetry.QueueDepth.Set(float64(depth))
			}
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		telemetry.ActiveWorkers.Inc()
		if w.metrics != nil {
			w.metrics.ActiveWorkers.Add(ctx, 1)
		}
		w.handleDelivery(ctx, delivery)
		telemetry.ActiveWorkers.Dec()
		if w.metrics != nil {
			w.metrics.ActiveWorkers.Add(ctx, -1)
		}
		_ = slot
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// handleDelivery runs one reserved task to a terminal state and acks the
// delivery. Deliveries for unknown or already-terminal tasks are acked and
// dropped (at-least-once queue, terminal Task Store).
func (w *Worker) handleDelivery(ctx context.Context, delivery *bus.Delivery) {
	env, err := controller.DecodeEnvelope(delivery.Payload)
	if err != nil {
		w.logger.Error("poison delivery dropped", "delivery_id", delivery.ID, "error", err)
		_ = w.queue.Ack(ctx, w.cfg.QueueName, delivery.ID)
		return
	}

	task, err := w.store.GetTask(ctx, env.TaskID)
	if err != nil {
		w.logger.Error("delivery for unknown task dropped", "task_id", env.TaskID, "error", err)
		_ = w.queue.Ack(ctx, w.cfg.QueueName, delivery.ID)
		return
	}
	if task.Status.IsTerminal() {
		_ = w.queue.Ack(ctx, w.cfg.QueueName, delivery.ID)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	w.wg.Add(1)
	go w.heartbeat(hbCtx, delivery.ID, env.TaskID)

	run := newRun(w, task)
	run.execute(ctx)

	stopHeartbeat()
	_ = w.queue.Ack(ctx, w.cfg.QueueName, delivery.ID)
}

// heartbeat extends the queue lease and touches the task record so the
// Reaper's stuck-threshold never fires for a live worker.
func (w *Worker) heartbeat(ctx context.Context, deliveryID, taskID string) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendLease(ctx, w.cfg.QueueName, deliveryID, w.cfg.Visibility); err != nil && ctx.Err() == nil {
				w.logger.Warn("lease extension failed", "task_id", taskID, "error", err)
			}
			// A no-op mutation still bumps updated_at.
			if _, err := w.store.UpdateTask(ctx, taskID, func(*store.Task) error { return nil }); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat touch failed", "task_id", taskID, "error", err)
			}
		}
	}
}
