package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
)

type noopHandler struct{}

func (noopHandler) PlanDescription(d directives.Directives) stage.PlanDescription {
	return stage.PlanDescription{}
}

func (noopHandler) Execute(ctx stage.Context, itemIDs []string) (stage.StageResult, error) {
	return stage.StageResult{ProcessedCount: len(itemIDs), TotalCount: len(itemIDs)}, nil
}

func fullRegistry() *stage.Registry {
	reg := stage.NewRegistry()
	for _, s := range directives.StageOrder {
		reg.Register(stage.Declaration{
			StageID:      s,
			Kind:         directives.StageKind[s],
			Dependencies: directives.DependsOn[s],
			Factory:      func() stage.Handler { return noopHandler{} },
		})
	}
	return reg
}

type fixture struct {
	store      *store.Store
	queue      *bus.MemQueue
	events     *bus.Bus
	progress   *progress.Bus
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	events := bus.New()
	prog := progress.New(events)
	queue := bus.NewMemQueue()

	ctrl := New(Config{
		Store:     s,
		Queue:     queue,
		QueueName: "tasks",
		Events:    events,
		Progress:  prog,
		Registry:  fullRegistry(),
	})
	return &fixture{store: s, queue: queue, events: events, progress: prog, controller: ctrl}
}

func TestStart_CreatesAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusPending || !task.IsActive {
		t.Fatalf("unexpected task state: %+v", task)
	}

	d, err := f.queue.Reserve(ctx, "tasks", "w1", time.Minute)
	if err != nil || d == nil {
		t.Fatalf("Reserve: %v %v", d, err)
	}
	env, err := DecodeEnvelope(d.Payload)
	if err != nil || env.TaskID != taskID {
		t.Fatalf("envelope: %+v %v", env, err)
	}
}

func TestStart_RejectsSecondActiveTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := f.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFetchOnly})
	if !errors.Is(err, store.ErrTaskAlreadyActive) {
		t.Fatalf("second Start: got %v, want ErrTaskAlreadyActive", err)
	}
}

// TestStart_ConcurrentRace checks the start/start race: two concurrent starts
// while idle; exactly one wins.
func TestStart_ConcurrentRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = f.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, store.ErrTaskAlreadyActive) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
}

// TestStart_ContradictoryDirectives checks that validation
// failures must not create a task record or touch the active pointer.
func TestStart_ContradictoryDirectives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.Start(ctx, directives.Directives{
		RunMode: directives.RunModeSynthesisOnly,
		Skip:    map[directives.StageID]bool{directives.StageSynthesize: true},
	})
	var verr *directives.ValidationError
	if !errors.As(err, &verr) || verr.Code != directives.CodeContradictoryDirectives {
		t.Fatalf("got %v, want ContradictoryDirectives", err)
	}

	active, err := f.store.GetActiveTask(ctx)
	if err != nil {
		t.Fatalf("GetActiveTask: %v", err)
	}
	if active != nil {
		t.Fatalf("validation failure created an active task: %+v", active)
	}
	if n, _ := f.queue.Depth(ctx, "tasks"); n != 0 {
		t.Fatalf("validation failure enqueued work: depth=%d", n)
	}
}

func TestCancel_SetsFlagAndPublishesSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taskID, err := f.controller.Start(ctx, directives.Directives{RunMode: directives.RunModeFullPipeline})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := f.events.Subscribe(bus.TopicTaskCancel)
	defer f.events.Unsubscribe(sub)

	accepted, err := f.controller.Cancel(ctx, taskID)
	if err != nil || !accepted {
		t.Fatalf("Cancel: accepted=%v err=%v", accepted, err)
	}

	flagged, err := f.store.IsCancelRequested(ctx, taskID)
	if err != nil || !flagged {
		t.Fatalf("cancel flag not durable: %v %v", flagged, err)
	}

	select {
	case ev := <-sub.Ch():
		ce, ok := ev.Payload.(bus.TaskCancelEvent)
		if !ok || ce.TaskID != taskID {
			t.Fatalf("unexpected cancel event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no ephemeral cancel signal published")
	}
}

func TestCancel_UnknownTaskNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.Cancel(context.Background(), "no-such-task")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
