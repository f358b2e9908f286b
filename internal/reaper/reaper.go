// Package reaper enforces the orchestrator's invariants over time: it
// fails lease-lapsed and stuck tasks, archives old terminal tasks, and
// provides the operator's comprehensive reset.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/store"
	"github.com/basket/orchestrator/internal/telemetry"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and tuning for the Reaper.
type Config struct {
	Store     *store.Store
	Queue     bus.Queue
	QueueName string
	Progress  *progress.Bus
	Logger    *slog.Logger

	CronExpr         string        // sweep schedule; defaults to every minute
	StuckThreshold   time.Duration // idle duration before a task is declared stuck
	ArchiveRetention time.Duration // age at which terminal tasks are archived
}

// Reaper periodically sweeps for invariant violations.
type Reaper struct {
	store     *store.Store
	queue     bus.Queue
	queueName string
	progress  *progress.Bus
	logger    *slog.Logger

	cronExpr         string
	stuckThreshold   time.Duration
	archiveRetention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper with the given config.
func New(cfg Config) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cronExpr := cfg.CronExpr
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	stuck := cfg.StuckThreshold
	if stuck <= 0 {
		stuck = 10 * time.Minute
	}
	retention := cfg.ArchiveRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Reaper{
		store:            cfg.Store,
		queue:            cfg.Queue,
		queueName:        cfg.QueueName,
		progress:         cfg.Progress,
		logger:           logger.With("component", "reaper"),
		cronExpr:         cronExpr,
		stuckThreshold:   stuck,
		archiveRetention: retention,
	}
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", "cron", r.cronExpr, "stuck_threshold", r.stuckThreshold)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

// loop fires Tick whenever the cron expression comes due.
func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	sched, err := cronParser.Parse(r.cronExpr)
	if err != nil {
		r.logger.Error("invalid reaper cron expression, falling back to every minute",
			"cron", r.cronExpr, "error", err)
		sched, _ = cronParser.Parse("* * * * *")
	}

	for {
		next := sched.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep: reclaim lapsed leases, fail stuck tasks, archive old
// terminal tasks. Exported so operators (and tests) can force a sweep.
func (r *Reaper) Tick(ctx context.Context) {
	now := time.Now()
	r.reclaimLapsedLeases(ctx)
	r.failStuckTasks(ctx)
	r.archive(ctx)
	r.logger.Debug("reaper tick finished", "took", time.Since(now))
}

// reclaimLapsedLeases removes lease-lapsed deliveries from the queue's
// in-flight set and fails their tasks with error_kind=worker_lost. The
// delivery is NOT requeued: reruns are an explicit operator action because
// external side effects are not idempotent at task granularity.
func (r *Reaper) reclaimLapsedLeases(ctx context.Context) {
	expired, err := r.queue.ReclaimExpired(ctx, r.queueName)
	if err != nil {
		r.logger.Error("reclaim expired leases failed", "error", err)
		return
	}
	for _, d := range expired {
		env, err := controller.DecodeEnvelope(d.Payload)
		if err != nil {
			r.logger.Warn("expired delivery with undecodable payload dropped", "delivery_id", d.ID)
			continue
		}
		r.failAsWorkerLost(ctx, env.TaskID, "worker lease expired without a progress update")
	}
}

// failStuckTasks fails non-terminal tasks whose updated_at is older than the
// stuck threshold: tasks whose delivery vanished entirely, or that never
// got reserved. The threshold is far above the worker
// heartbeat interval, so a live worker never trips it.
func (r *Reaper) failStuckTasks(ctx context.Context) {
	stuck, err := r.store.DetectStuck(ctx, r.stuckThreshold)
	if err != nil {
		r.logger.Error("stuck-task detection failed", "error", err)
		return
	}
	for _, taskID := range stuck {
		r.failAsWorkerLost(ctx, taskID, "no progress update within stuck threshold")
	}
}

func (r *Reaper) failAsWorkerLost(ctx context.Context, taskID, reason string) {
	if err := r.store.ExpireStaleLease(ctx, taskID); err != nil {
		// Already terminal means a worker beat us to the write; fine.
		r.logger.Warn("expire stale lease failed", "task_id", taskID, "error", err)
		return
	}
	r.logger.Warn("task failed as worker_lost", "task_id", taskID, "reason", reason)
	telemetry.ReaperReclaimed.Inc()
	r.progress.PublishTaskError(taskID, bus.TaskErrorEvent{
		TaskID: taskID, ErrorKind: store.ErrorKindWorkerLost, Message: reason,
	})
	r.progress.PublishTaskCompleted(taskID, bus.TaskCompletedEvent{
		TaskID: taskID, Status: string(store.TaskStatusFailed),
	})
}

// archive moves terminal tasks past retention to the archived state.
func (r *Reaper) archive(ctx context.Context) {
	n, err := r.store.ArchiveTasksOlderThan(ctx, r.archiveRetention)
	if err != nil {
		r.logger.Error("archive sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("archived terminal tasks", "count", n)
	}
}

// ArchiveOlderThan archives terminal tasks older than the given retention,
// on operator request.
func (r *Reaper) ArchiveOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return r.store.ArchiveTasksOlderThan(ctx, retention)
}

// ComprehensiveReset terminal-transitions all non-terminal tasks, drops all
// queued and in-flight deliveries, clears every replay ring, and nulls the
// active-task pointer. This is the operator recovery path when
// invariants are violated by external causes.
func (r *Reaper) ComprehensiveReset(ctx context.Context) (int64, error) {
	n, err := r.store.ComprehensiveReset(ctx)
	if err != nil {
		return n, err
	}
	if err := r.queue.Purge(ctx, r.queueName); err != nil {
		r.logger.Error("queue purge failed during reset", "error", err)
	}
	r.progress.DropAllReplayBuffers()
	r.logger.Warn("comprehensive reset performed", "tasks_revoked", n)
	return n, nil
}
