package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/store"
)

func newAPI(t *testing.T) (*API, *store.Store, *progress.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	p := progress.New(bus.New())
	return New(s, p), s, p
}

func TestGetActiveTask_NilWhenIdle(t *testing.T) {
	api, _, _ := newAPI(t)
	task, err := api.GetActiveTask(context.Background())
	if err != nil {
		t.Fatalf("GetActiveTask: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil, got %+v", task)
	}
}

func TestGetTask_EmbedsPhaseStates(t *testing.T) {
	api, s, _ := newAPI(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SetPhase(ctx, "t1", store.PhaseState{
		StageID: "cache", Status: store.PhaseStatusCompleted, ProcessedCount: 3, TotalCount: 3,
	}); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}

	task, err := api.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	ps, ok := task.PhaseStates["cache"]
	if !ok || ps.ProcessedCount != 3 {
		t.Fatalf("phase states not embedded: %+v", task.PhaseStates)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	api, _, _ := newAPI(t)
	_, err := api.GetTask(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetLogs_Pagination(t *testing.T) {
	api, s, _ := newAPI(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, "t1", store.TaskKindFullPipeline, `{}`); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.AppendLog(ctx, store.LogEntry{
			TaskID: "t1", Timestamp: time.Now().UTC(), Level: "INFO", Component: "worker", Message: "line",
		}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	page, err := api.GetLogs(ctx, "t1", -1, 3)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(page.Entries) != 3 || page.NextCursor != 2 {
		t.Fatalf("first page: %d entries, cursor %d", len(page.Entries), page.NextCursor)
	}

	page, err = api.GetLogs(ctx, "t1", page.NextCursor, 10)
	if err != nil {
		t.Fatalf("GetLogs page 2: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Sequence != 3 {
		t.Fatalf("second page: %+v", page)
	}
}

func TestGetRecentEvents_FilterAndLimit(t *testing.T) {
	api, _, p := newAPI(t)

	p.PublishPhaseUpdate("t1", bus.PhaseUpdateEvent{TaskID: "t1", StageID: "cache", Status: "active"})
	p.PublishLog("t1", bus.LogEvent{TaskID: "t1", Sequence: 0, Level: "INFO", Message: "hello"})
	p.PublishPhaseUpdate("t1", bus.PhaseUpdateEvent{TaskID: "t1", StageID: "cache", Status: "in_progress"})

	all := api.GetRecentEvents("t1", nil, 0)
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Sequence != all[i-1].Sequence+1 {
			t.Fatalf("event sequences not contiguous: %+v", all)
		}
	}

	updates := api.GetRecentEvents("t1", []string{bus.TopicPhaseUpdate}, 0)
	if len(updates) != 2 {
		t.Fatalf("kind filter: got %d, want 2", len(updates))
	}

	limited := api.GetRecentEvents("t1", nil, 1)
	if len(limited) != 1 || limited[0].Sequence != 2 {
		t.Fatalf("limit should keep the newest: %+v", limited)
	}
}
