package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/store"
)

// Waiter blocks until a task reaches a terminal state, driven by Progress
// Bus events rather than polling. Used by the CLI's --wait mode and by
// integration tests.
type Waiter struct {
	store    *store.Store
	progress *progress.Bus
}

// NewWaiter creates a Waiter.
func NewWaiter(s *store.Store, p *progress.Bus) *Waiter {
	return &Waiter{store: s, progress: p}
}

// WaitForTerminal blocks until taskID reaches a terminal status or timeout
// elapses, returning the final task record. The subscription is taken
// before the first store check so a terminal transition between the two
// cannot be missed.
func (w *Waiter) WaitForTerminal(ctx context.Context, taskID string, timeout time.Duration) (*store.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := w.progress.SubscribeTask(taskID)
	defer w.progress.Unsubscribe(sub)

	task, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
		case _, ok := <-sub.Ch():
			if !ok {
				// Subscription closed underneath us; fall back to one final
				// store check.
				return w.requireTerminal(ctx, taskID)
			}
			task, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		}
	}
}

// checkTerminal returns the task iff it is terminal, (nil, nil) otherwise.
func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if !task.Status.IsTerminal() {
		return nil, nil
	}
	return task, nil
}

func (w *Waiter) requireTerminal(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not terminal", taskID)
	}
	return task, nil
}
