// Command lease_recovery_crash simulates a worker that reserves a task and
// dies without heartbeating, then asserts the Reaper fails the task with
// error_kind=worker_lost, releases the active-task pointer, and does NOT
// redeliver the work. Exit code 0 means the worker-lost recovery path holds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/reaper"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
)

type inertHandler struct{}

func (inertHandler) PlanDescription(d directives.Directives) stage.PlanDescription {
	return stage.PlanDescription{}
}

func (inertHandler) Execute(ctx stage.Context, itemIDs []string) (stage.StageResult, error) {
	return stage.StageResult{}, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	visibility := flag.Duration("visibility", 100*time.Millisecond, "lease visibility before the simulated crash is detected")
	flag.Parse()

	ctx := context.Background()

	dir, err := os.MkdirTemp("", "lease-recovery-*")
	if err != nil {
		fail("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "orchestrator.db"))
	if err != nil {
		fail("open store: %v", err)
	}
	defer st.Close()

	events := bus.New()
	prog := progress.New(events)
	queue := bus.NewMemQueue()

	reg := stage.NewRegistry()
	for _, s := range directives.StageOrder {
		reg.Register(stage.Declaration{
			StageID: s, Kind: directives.StageKind[s],
			Dependencies: directives.DependsOn[s],
			Factory:      func() stage.Handler { return inertHandler{} },
		})
	}

	ctrl := controller.New(controller.Config{
		Store: st, Queue: queue, QueueName: "tasks",
		Events: events, Progress: prog, Registry: reg,
	})

	taskID, err := ctrl.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		fail("start task: %v", err)
	}

	// A doomed worker reserves the delivery, then "crashes": no heartbeat,
	// no ack, no terminal write.
	delivery, err := queue.Reserve(ctx, "tasks", "doomed-worker", *visibility)
	if err != nil || delivery == nil {
		fail("reserve: %v %v", delivery, err)
	}
	time.Sleep(*visibility + 50*time.Millisecond)

	rp := reaper.New(reaper.Config{
		Store: st, Queue: queue, QueueName: "tasks", Progress: prog,
		StuckThreshold: time.Hour,
	})
	rp.Tick(ctx)

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		fail("get task: %v", err)
	}
	if task.Status != store.TaskStatusFailed {
		fail("task status %s, want FAILED", task.Status)
	}
	if task.ErrorKind != store.ErrorKindWorkerLost {
		fail("error kind %q, want worker_lost", task.ErrorKind)
	}
	if task.CompletedAt == nil {
		fail("completed_at not set on terminal task")
	}

	if active, err := st.GetActiveTask(ctx); err != nil || active != nil {
		fail("active pointer not released: %v %v", active, err)
	}
	if redelivered, _ := queue.Reserve(ctx, "tasks", "next-worker", time.Minute); redelivered != nil {
		fail("crashed task was redelivered: %+v", redelivered)
	}

	fmt.Printf("PASS: task %s failed as worker_lost, pointer released, no redelivery\n", taskID)
}
