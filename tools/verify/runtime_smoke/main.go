// Command runtime_smoke drives a full in-process pipeline run end to end:
// three fresh items, every stage handled, and asserts the task terminates
// SUCCESS with monotonic progress, dense log sequences, and all item flags
// set. Exit code 0 means the orchestration substrate is healthy.
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
	"github.com/basket/orchestrator/internal/items"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
	"github.com/basket/orchestrator/internal/worker"
)

type flagHandler struct {
	stageID directives.StageID
	apply   func(*items.Patch)
}

func (h *flagHandler) PlanDescription(d directives.Directives) stage.PlanDescription {
	return stage.PlanDescription{StageID: h.stageID}
}

func (h *flagHandler) Execute(ctx stage.Context, itemIDs []string) (stage.StageResult, error) {
	res := stage.StageResult{TotalCount: len(itemIDs)}
	for _, id := range itemIDs {
		if ctx.Cancelled() {
			return res, nil
		}
		it, err := ctx.Items.Get(ctx, id)
		if err != nil {
			res.ErrorCount++
			continue
		}
		var p items.Patch
		h.apply(&p)
		res.ItemUpdates = append(res.ItemUpdates, stage.ItemUpdate{ItemID: id, Patch: p, ExpectedVersion: it.Version})
		res.ProcessedCount++
		ctx.Emitter.EmitItemProgress(id, res.ProcessedCount, res.TotalCount)
	}
	return res, nil
}

type onceHandler struct{ stageID directives.StageID }

func (h *onceHandler) PlanDescription(d directives.Directives) stage.PlanDescription {
	return stage.PlanDescription{StageID: h.stageID, TotalEstimated: 1}
}

func (h *onceHandler) Execute(ctx stage.Context, itemIDs []string) (stage.StageResult, error) {
	return stage.StageResult{ProcessedCount: 1, TotalCount: 1}, nil
}

func truePtr() *bool { v := true; return &v }

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "overall drill timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "runtime-smoke-*")
	if err != nil {
		fail("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "orchestrator.db"))
	if err != nil {
		fail("open store: %v", err)
	}
	defer st.Close()
	repo, err := items.Open(filepath.Join(dir, "items.db"))
	if err != nil {
		fail("open items: %v", err)
	}
	defer repo.Close()

	events := bus.New()
	prog := progress.New(events)
	queue := bus.NewMemQueue()

	reg := stage.NewRegistry()
	flagFor := map[directives.StageID]func(*items.Patch){
		directives.StageCache:      func(p *items.Patch) { p.Cached = truePtr() },
		directives.StageMedia:      func(p *items.Patch) { p.MediaDone = truePtr() },
		directives.StageCategorize: func(p *items.Patch) { p.Categorized = truePtr() },
		directives.StageGenerate:   func(p *items.Patch) { p.Generated = truePtr() },
		directives.StageDBSync:     func(p *items.Patch) { p.DBSynced = truePtr() },
		directives.StageEmbed:      func(p *items.Patch) { p.Embedded = truePtr() },
	}
	for _, s := range directives.StageOrder {
		s := s
		var h stage.Handler
		if apply, perItem := flagFor[s]; perItem {
			h = &flagHandler{stageID: s, apply: apply}
		} else {
			h = &onceHandler{stageID: s}
		}
		reg.Register(stage.Declaration{
			StageID: s, Kind: directives.StageKind[s],
			Dependencies: directives.DependsOn[s],
			Factory:      func() stage.Handler { return h },
		})
	}

	if err := repo.AddItems(ctx, []items.Item{{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"}}); err != nil {
		fail("add items: %v", err)
	}

	ctrl := controller.New(controller.Config{
		Store: st, Queue: queue, QueueName: "tasks",
		Events: events, Progress: prog, Registry: reg,
	})
	pool := worker.New(worker.Config{
		WorkerID: "smoke", QueueName: "tasks", PollInterval: 10 * time.Millisecond,
	}, worker.Deps{
		Store: st, Items: repo, Queue: queue,
		Events: events, Progress: prog, Registry: reg,
	})

	taskID, err := ctrl.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		fail("start task: %v", err)
	}

	pool.Start(ctx)
	defer pool.Stop()

	task, err := controller.NewWaiter(st, prog).WaitForTerminal(ctx, taskID, *timeout)
	if err != nil {
		fail("wait for terminal: %v", err)
	}
	if task.Status != store.TaskStatusSuccess {
		fail("task ended %s (%s: %s)", task.Status, task.ErrorKind, task.ErrorMessage)
	}
	if task.ProgressPercent != 100 {
		fail("progress %d, want 100", task.ProgressPercent)
	}

	all, err := repo.ListByFilter(ctx, nil)
	if err != nil {
		fail("list items: %v", err)
	}
	for _, it := range all {
		if !it.Cached || !it.MediaDone || !it.Categorized || !it.Generated || !it.DBSynced || !it.Embedded {
			fail("item %s incomplete: %+v", it.ItemID, it)
		}
	}

	entries, _, err := st.ReadLogs(ctx, taskID, -1, 10000)
	if err != nil {
		fail("read logs: %v", err)
	}
	for i, e := range entries {
		if e.Sequence != int64(i) {
			fail("log sequence gap at index %d (got %d)", i, e.Sequence)
		}
	}

	fmt.Printf("PASS: task %s SUCCESS, %d items complete, %d dense log entries\n",
		taskID, len(all), len(entries))
}
