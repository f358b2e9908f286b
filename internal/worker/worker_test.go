package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/controller"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/items"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
)

// flagHandler marks one per-item pipeline flag done per item, the way the
// externally-owned stage handlers do through the Item Repository.
type flagHandler struct {
	stageID directives.StageID
	apply   func(*items.Patch)
	delay   time.Duration
	fail    error
}

func (h *flagHandler) PlanDescription(d directives.Directives) stage.PlanDescription {
	return stage.PlanDescription{StageID: h.stageID}
}

func (h *flagHandler) Execute(ctx stage.Context, itemIDs []string) (stage.StageResult, error) {
	if h.fail != nil {
		return stage.StageResult{}, h.fail
	}
	res := stage.StageResult{TotalCount: len(itemIDs)}
	for _, id := range itemIDs {
		if ctx.Cancelled() {
			return res, nil
		}
		if h.delay > 0 {
			select {
			case <-time.After(h.delay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
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

// registerPipeline fills reg with working handlers for every stage,
// allowing per-stage overrides.
func registerPipeline(reg *stage.Registry, overrides map[directives.StageID]stage.Handler) {
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
		if o, ok := overrides[s]; ok {
			h = o
		} else if apply, perItem := flagFor[s]; perItem {
			h = &flagHandler{stageID: s, apply: apply}
		} else {
			h = &onceHandler{stageID: s}
		}
		reg.Register(stage.Declaration{
			StageID:      s,
			Kind:         directives.StageKind[s],
			Dependencies: directives.DependsOn[s],
			Factory:      func() stage.Handler { return h },
		})
	}
}

type harness struct {
	store      *store.Store
	items      *items.Repository
	queue      *bus.MemQueue
	events     *bus.Bus
	progress   *progress.Bus
	registry   *stage.Registry
	controller *controller.Controller
	worker     *Worker
	waiter     *controller.Waiter
}

func newHarness(t *testing.T, overrides map[directives.StageID]stage.Handler, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "orchestrator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	repo, err := items.Open(filepath.Join(dir, "items.db"))
	if err != nil {
		t.Fatalf("open items: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	events := bus.New()
	prog := progress.New(events)
	queue := bus.NewMemQueue()
	reg := stage.NewRegistry()
	registerPipeline(reg, overrides)

	ctrl := controller.New(controller.Config{
		Store: s, Queue: queue, QueueName: "tasks",
		Events: events, Progress: prog, Registry: reg,
	})

	cfg.WorkerID = "test-worker"
	cfg.QueueName = "tasks"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	w := New(cfg, Deps{
		Store: s, Items: repo, Queue: queue,
		Events: events, Progress: prog, Registry: reg,
	})

	return &harness{
		store: s, items: repo, queue: queue, events: events, progress: prog,
		registry: reg, controller: ctrl, worker: w, waiter: controller.NewWaiter(s, prog),
	}
}

// TestWorker_FreshFullPipeline runs the end-to-end happy path: three fresh items
// through the full pipeline terminate SUCCESS with progress 100 and every
// per-item flag set.
func TestWorker_FreshFullPipeline(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	if err := h.items.AddItems(ctx, []items.Item{{ItemID: "a"}, {ItemID: "b"}, {ItemID: "c"}}); err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.worker.Start(ctx)
	defer h.worker.Stop()

	task, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if task.Status != store.TaskStatusSuccess {
		t.Fatalf("status %s (%s: %s), want SUCCESS", task.Status, task.ErrorKind, task.ErrorMessage)
	}
	if task.ProgressPercent != 100 {
		t.Fatalf("progress %d, want 100", task.ProgressPercent)
	}
	if task.CompletedAt == nil || task.IsActive {
		t.Fatalf("terminal task bookkeeping wrong: %+v", task)
	}

	all, err := h.items.ListByFilter(ctx, nil)
	if err != nil {
		t.Fatalf("ListByFilter: %v", err)
	}
	for _, it := range all {
		if !it.Cached || !it.MediaDone || !it.Categorized || !it.Generated || !it.DBSynced || !it.Embedded {
			t.Fatalf("item %s incomplete after full pipeline: %+v", it.ItemID, it)
		}
	}

	for _, stageID := range directives.StageOrder {
		ps, ok := task.PhaseStates[string(stageID)]
		if !ok {
			t.Fatalf("missing phase state for %s", stageID)
		}
		if ps.Status != store.PhaseStatusCompleted && ps.Status != store.PhaseStatusSkipped {
			t.Fatalf("stage %s finished %s, want completed or skipped", stageID, ps.Status)
		}
	}
}

// TestWorker_LogSequencesDense checks that log
// sequences are 0..k with no gaps.
func TestWorker_LogSequencesDense(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	_ = h.items.AddItems(ctx, []items.Item{{ItemID: "a"}})
	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	defer h.worker.Stop()
	if _, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second); err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}

	entries, _, err := h.store.ReadLogs(ctx, taskID, -1, 1000)
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no log entries recorded")
	}
	for i, e := range entries {
		if e.Sequence != int64(i) {
			t.Fatalf("log sequence gap at %d: got %d", i, e.Sequence)
		}
	}
}

// TestWorker_SynthesisOnly verifies only synthesize runs; everything
// else is absent from the plan so no phase rows appear for it.
func TestWorker_SynthesisOnly(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	_ = h.items.AddItems(ctx, []items.Item{{ItemID: "a"}, {ItemID: "b"}})
	for _, id := range []string{"a", "b"} {
		it, _ := h.items.Get(ctx, id)
		if _, err := h.items.Update(ctx, id, items.Patch{
			Cached: truePtr(), MediaDone: truePtr(), Categorized: truePtr(), Generated: truePtr(),
		}, it.Version); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeSynthesisOnly})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	defer h.worker.Stop()

	task, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if task.Status != store.TaskStatusSuccess {
		t.Fatalf("status %s, want SUCCESS", task.Status)
	}
	synth, ok := task.PhaseStates[string(directives.StageSynthesize)]
	if !ok || synth.Status != store.PhaseStatusCompleted {
		t.Fatalf("synthesize phase: %+v", task.PhaseStates)
	}
	cache, ok := task.PhaseStates[string(directives.StageCache)]
	if !ok || cache.Status != store.PhaseStatusSkipped {
		t.Fatalf("cache phase should be skipped under synthesis_only: %+v", task.PhaseStates)
	}
}

// TestWorker_FatalHandlerErrorFailsTask covers fatal handler
// errors: the stage and the task transition to failed with a recorded
// error kind.
func TestWorker_FatalHandlerErrorFailsTask(t *testing.T) {
	boom := errors.New("upstream service exploded")
	overrides := map[directives.StageID]stage.Handler{
		directives.StageCategorize: &flagHandler{stageID: directives.StageCategorize, fail: boom},
	}
	h := newHarness(t, overrides, Config{})
	ctx := context.Background()

	_ = h.items.AddItems(ctx, []items.Item{{ItemID: "a"}})
	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	defer h.worker.Stop()

	task, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if task.Status != store.TaskStatusFailed || task.ErrorKind != store.ErrorKindHandler {
		t.Fatalf("got status=%s kind=%s, want FAILED/handler_error", task.Status, task.ErrorKind)
	}
	ps := task.PhaseStates[string(directives.StageCategorize)]
	if ps.Status != store.PhaseStatusFailed {
		t.Fatalf("categorize phase %s, want failed", ps.Status)
	}
	// Earlier stages' committed updates are retained.
	it, err := h.items.Get(ctx, "a")
	if err != nil || !it.Cached || !it.MediaDone {
		t.Fatalf("upstream stage results lost: %+v %v", it, err)
	}
}

// TestWorker_HandlerTimeoutFailsTask covers the per-stage handler timeout.
func TestWorker_HandlerTimeoutFailsTask(t *testing.T) {
	overrides := map[directives.StageID]stage.Handler{
		directives.StageCache: &flagHandler{
			stageID: directives.StageCache,
			apply:   func(p *items.Patch) { p.Cached = truePtr() },
			delay:   5 * time.Second,
		},
	}
	h := newHarness(t, overrides, Config{HandlerTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	_ = h.items.AddItems(ctx, []items.Item{{ItemID: "a"}})
	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	defer h.worker.Stop()

	task, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if task.Status != store.TaskStatusFailed || task.ErrorKind != store.ErrorKindTimeout {
		t.Fatalf("got status=%s kind=%s, want FAILED/timeout", task.Status, task.ErrorKind)
	}
}

// TestWorker_CancellationMidStage checks mid-stage cancellation: a cancel
// during a slow stage terminates the task CANCELLED and retains committed
// item updates.
func TestWorker_CancellationMidStage(t *testing.T) {
	overrides := map[directives.StageID]stage.Handler{
		directives.StageMedia: &flagHandler{
			stageID: directives.StageMedia,
			apply:   func(p *items.Patch) { p.MediaDone = truePtr() },
			delay:   200 * time.Millisecond,
		},
	}
	h := newHarness(t, overrides, Config{})
	ctx := context.Background()

	batch := []items.Item{}
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		batch = append(batch, items.Item{ItemID: id})
	}
	_ = h.items.AddItems(ctx, batch)

	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	defer h.worker.Stop()

	// Wait until the slow media stage is under way, then cancel.
	sub := h.progress.SubscribeTask(taskID)
	defer h.progress.Unsubscribe(sub)
	deadline := time.After(10 * time.Second)
	for started := false; !started; {
		select {
		case e := <-sub.Ch():
			if pe, ok := e.Payload.(bus.PhaseUpdateEvent); ok &&
				pe.StageID == string(directives.StageMedia) && pe.Status == string(store.PhaseStatusInProgress) {
				started = true
			}
		case <-deadline:
			t.Fatal("media stage never started")
		}
	}
	if _, err := h.controller.Cancel(ctx, taskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	task, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if task.Status != store.TaskStatusCancelled {
		t.Fatalf("status %s, want CANCELLED", task.Status)
	}
	// Cache completed before the cancel; its committed flags survive.
	it, err := h.items.Get(ctx, "a")
	if err != nil || !it.Cached {
		t.Fatalf("pre-cancel committed state lost: %+v %v", it, err)
	}
}

// TestWorker_StaleDeliveryForTerminalTaskDropped: an at-least-once
// redelivery of an already-terminal task is acked without re-execution.
func TestWorker_StaleDeliveryForTerminalTaskDropped(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	taskID, err := h.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFetchOnly})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.worker.Start(ctx)
	if _, err := h.waiter.WaitForTerminal(ctx, taskID, 10*time.Second); err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	h.worker.Stop()

	payload, _ := controller.EncodeEnvelope(taskID)
	_, _ = h.queue.Enqueue(ctx, "tasks", payload)

	h.worker.Start(ctx)
	defer h.worker.Stop()
	time.Sleep(200 * time.Millisecond)

	if n, _ := h.queue.Depth(ctx, "tasks"); n != 0 {
		t.Fatalf("stale delivery not drained: depth=%d", n)
	}
	task, _ := h.store.GetTask(ctx, taskID)
	if task.Status != store.TaskStatusSuccess {
		t.Fatalf("terminal status mutated by redelivery: %s", task.Status)
	}
}
