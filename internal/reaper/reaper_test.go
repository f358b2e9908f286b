package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/store"
)

type fixture struct {
	store    *store.Store
	queue    *bus.MemQueue
	progress *progress.Bus
	reaper   *Reaper
}

func newFixture(t *testing.T, stuckThreshold time.Duration) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	queue := bus.NewMemQueue()
	prog := progress.New(bus.New())
	r := New(Config{
		Store:          s,
		Queue:          queue,
		QueueName:      "tasks",
		Progress:       prog,
		StuckThreshold: stuckThreshold,
	})
	return &fixture{store: s, queue: queue, progress: prog, reaper: r}
}

// TestTick_WorkerLost checks the worker-loss path: a reserved task whose
// worker stops heartbeating is failed with error_kind=worker_lost once the
// lease lapses, and is NOT redelivered.
func TestTick_WorkerLost(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.store.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	payload, _ := controller.EncodeEnvelope("t1")
	_, _ = f.queue.Enqueue(ctx, "tasks", payload)

	now := time.Now()
	f.queue.SetClock(func() time.Time { return now })
	if d, _ := f.queue.Reserve(ctx, "tasks", "dead-worker", time.Minute); d == nil {
		t.Fatal("Reserve returned nothing")
	}

	// Worker dies: no heartbeat, lease lapses.
	f.queue.SetClock(func() time.Time { return now.Add(5 * time.Minute) })
	f.reaper.Tick(ctx)

	task, err := f.store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusFailed || task.ErrorKind != store.ErrorKindWorkerLost {
		t.Fatalf("got status=%s kind=%s, want FAILED/worker_lost", task.Status, task.ErrorKind)
	}
	if task.CompletedAt == nil || task.IsActive {
		t.Fatalf("terminal bookkeeping wrong: %+v", task)
	}
	if d, _ := f.queue.Reserve(ctx, "tasks", "w2", time.Minute); d != nil {
		t.Fatalf("worker-lost task was redelivered: %+v", d)
	}
	if active, _ := f.store.GetActiveTask(ctx); active != nil {
		t.Fatalf("active pointer not released: %+v", active)
	}
}

func TestTick_StuckTaskWithoutLeaseFailed(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := f.store.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Never enqueued anywhere; its updated_at ages past the threshold.
	time.Sleep(80 * time.Millisecond)
	f.reaper.Tick(ctx)

	task, _ := f.store.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusFailed || task.ErrorKind != store.ErrorKindWorkerLost {
		t.Fatalf("got status=%s kind=%s, want FAILED/worker_lost", task.Status, task.ErrorKind)
	}
}

func TestTick_LiveTaskUntouched(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.store.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	f.reaper.Tick(ctx)

	task, _ := f.store.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusPending {
		t.Fatalf("healthy pending task was touched: %s", task.Status)
	}
}

// TestComprehensiveReset checks that afterwards no task
// is active and every previously-non-terminal task is terminal.
func TestComprehensiveReset(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.store.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	payload, _ := controller.EncodeEnvelope("t1")
	_, _ = f.queue.Enqueue(ctx, "tasks", payload)
	f.progress.PublishTaskStatus("t1", bus.TaskStatusEvent{TaskID: "t1", NewStatus: "PENDING"})

	n, err := f.reaper.ComprehensiveReset(ctx)
	if err != nil {
		t.Fatalf("ComprehensiveReset: %v", err)
	}
	if n != 1 {
		t.Fatalf("revoked %d tasks, want 1", n)
	}

	if active, _ := f.store.GetActiveTask(ctx); active != nil {
		t.Fatalf("active pointer survives reset: %+v", active)
	}
	task, _ := f.store.GetTask(ctx, "t1")
	if !task.Status.IsTerminal() {
		t.Fatalf("task not terminal after reset: %s", task.Status)
	}
	if depth, _ := f.queue.Depth(ctx, "tasks"); depth != 0 {
		t.Fatalf("queue not purged: depth=%d", depth)
	}
	if events := f.progress.RecentEvents("t1", nil, 0); len(events) != 0 {
		t.Fatalf("replay ring survives reset: %d events", len(events))
	}
}

func TestArchiveOlderThan(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.store.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := f.store.UpdateTask(ctx, "t1", func(task *store.Task) error {
		task.Status = store.TaskStatusSuccess
		task.CompletedAt = &past
		task.ProgressPercent = 100
		task.IsActive = false
		return nil
	}); err != nil {
		t.Fatalf("terminalize: %v", err)
	}

	n, err := f.reaper.ArchiveOlderThan(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("ArchiveOlderThan: n=%d err=%v", n, err)
	}
	task, _ := f.store.GetTask(ctx, "t1")
	if !task.IsArchived {
		t.Fatalf("task not archived: %+v", task)
	}
}
