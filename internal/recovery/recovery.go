// Package recovery assembles state snapshots for clients joining mid-run.
// It is a read-only façade over the Task Store and the Progress
// Bus's replay ring; it performs no writes. Reconnecting clients fetch a
// snapshot, subscribe to the Progress Bus filtered by task_id, and discard
// any event whose sequence predates the snapshot.
package recovery

import (
	"context"

	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/store"
)

// API serves the snapshot read endpoints.
type API struct {
	store    *store.Store
	progress *progress.Bus
}

// New creates a recovery API.
func New(s *store.Store, p *progress.Bus) *API {
	return &API{store: s, progress: p}
}

// GetActiveTask returns the currently active task with embedded phase
// states, or nil when idle.
func (a *API) GetActiveTask(ctx context.Context) (*store.Task, error) {
	return a.store.GetActiveTask(ctx)
}

// GetTask returns the task with embedded phase states, or
// store.ErrNotFound.
func (a *API) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return a.store.GetTask(ctx, taskID)
}

// LogPage is one page of a task's durable log stream.
type LogPage struct {
	Entries    []store.LogEntry `json:"entries"`
	NextCursor int64            `json:"next_cursor"`
}

// GetLogs returns log entries with sequence > sinceSequence, up to limit.
// Sequences are dense within a task, so a client can detect gaps in its
// live stream and refill from here.
func (a *API) GetLogs(ctx context.Context, taskID string, sinceSequence int64, limit int) (LogPage, error) {
	entries, next, err := a.store.ReadLogs(ctx, taskID, sinceSequence, limit)
	if err != nil {
		return LogPage{}, err
	}
	return LogPage{Entries: entries, NextCursor: next}, nil
}

// GetRecentEvents returns the Progress Bus's buffered events for taskID,
// oldest first. The ring is bounded; callers needing completeness combine
// this with GetLogs.
func (a *API) GetRecentEvents(taskID string, kinds []string, limit int) []progress.Event {
	return a.progress.RecentEvents(taskID, kinds, limit)
}
