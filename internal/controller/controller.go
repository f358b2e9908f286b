// Package controller is the sole ingress for task lifecycle mutations
//: it validates preferences, enforces the at-most-one-active-task
// invariant at creation time, and enqueues accepted tasks for the Worker
// Runtime.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/progress"
	"github.com/basket/orchestrator/internal/shared"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
)

// Envelope is the queue payload carrying the task identity to workers.
type Envelope struct {
	TaskID string `json:"task_id"`
}

// EncodeEnvelope marshals an Envelope for Enqueue.
func EncodeEnvelope(taskID string) (string, error) {
	b, err := json.Marshal(Envelope{TaskID: taskID})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEnvelope unmarshals a queue payload back into an Envelope.
func DecodeEnvelope(payload string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Envelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	return e, nil
}

// Controller accepts start/stop requests.
type Controller struct {
	store     *store.Store
	queue     bus.Queue
	queueName string
	events    *bus.Bus
	progress  *progress.Bus
	registry  *stage.Registry
	logger    *slog.Logger

	maxConcurrentItemsDefault int
}

// Config wires a Controller.
type Config struct {
	Store     *store.Store
	Queue     bus.Queue
	QueueName string
	Events    *bus.Bus
	Progress  *progress.Bus
	Registry  *stage.Registry
	Logger    *slog.Logger

	// MaxConcurrentItemsDefault fills preferences that leave per-stage item
	// concurrency unset (the task.max_concurrent_items_default setting).
	MaxConcurrentItemsDefault int
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     cfg.Store,
		queue:     cfg.Queue,
		queueName: cfg.QueueName,
		events:    cfg.Events,
		progress:  cfg.Progress,
		registry:  cfg.Registry,
		logger:    logger,

		maxConcurrentItemsDefault: cfg.MaxConcurrentItemsDefault,
	}
}

// Start validates d, creates the task record (claiming the active-task
// pointer), enqueues it, and publishes the initial TaskStatus.
// Validation failures return *directives.ValidationError; a concurrent
// active task returns store.ErrTaskAlreadyActive. Directives are frozen
// into the task record before enqueue so workers replan from the same
// inputs every time.
func (c *Controller) Start(ctx context.Context, d directives.Directives) (string, error) {
	if d.MaxConcurrentItems <= 0 && c.maxConcurrentItemsDefault > 0 {
		d.MaxConcurrentItems = c.maxConcurrentItemsDefault
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return "", err
	}
	if c.registry != nil {
		if err := c.registry.ValidateStages(d); err != nil {
			return "", &directives.ValidationError{
				Code:    directives.CodeContradictoryDirectives,
				Message: err.Error(),
			}
		}
	}

	prefJSON, err := store.MarshalPreferences(d)
	if err != nil {
		return "", fmt.Errorf("freeze preferences: %w", err)
	}

	taskID := uuid.NewString()
	task, err := c.store.CreateTask(ctx, taskID, store.TaskKind(d.RunMode), prefJSON)
	if err != nil {
		return "", err
	}

	payload, err := EncodeEnvelope(taskID)
	if err != nil {
		return "", err
	}
	if _, err := c.queue.Enqueue(ctx, c.queueName, payload); err != nil {
		// The record exists but no worker will ever see it; fail it rather
		// than leave the active pointer wedged.
		_, updErr := c.store.UpdateTask(ctx, taskID, func(t *store.Task) error {
			t.Status = store.TaskStatusFailed
			t.ErrorKind = store.ErrorKindConflict
			t.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
			t.IsActive = false
			return nil
		})
		if updErr != nil {
			c.logger.Error("failed to fail unenqueueable task", "task_id", taskID, "error", updErr)
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	c.progress.PublishTaskStatus(taskID, bus.TaskStatusEvent{
		TaskID:    taskID,
		OldStatus: "",
		NewStatus: string(task.Status),
	})
	c.logger.Info("task accepted", "task_id", taskID, "kind", string(task.Kind),
		"trace_id", shared.TraceID(ctx))
	return taskID, nil
}

// Cancel sets the durable cancellation flag and publishes the ephemeral
// cancel signal. It does not transition state itself; the
// Worker observes cancellation and transitions to CANCELLED. Returns
// store.ErrNotFound for unknown tasks and false for tasks already terminal.
func (c *Controller) Cancel(ctx context.Context, taskID string) (bool, error) {
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	accepted, err := c.store.RequestCancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if accepted && c.events != nil {
		c.events.Publish(bus.TopicTaskCancel, bus.TaskCancelEvent{TaskID: taskID})
	}
	c.logger.Info("cancel requested", "task_id", taskID, "accepted", accepted,
		"trace_id", shared.TraceID(ctx))
	return accepted, nil
}
