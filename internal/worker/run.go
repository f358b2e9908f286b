package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/planner"
	"github.com/basket/orchestrator/internal/shared"
	"github.com/basket/orchestrator/internal/stage"
	"github.com/basket/orchestrator/internal/store"
	"github.com/basket/orchestrator/internal/telemetry"
)

// stageCounts is one stage's slice of the result summary.
type stageCounts struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Errors    int    `json:"errors"`
}

// taskRun drives one reserved task from PENDING to a terminal state.
type taskRun struct {
	w      *Worker
	task   *store.Task
	d      directives.Directives
	logger *slog.Logger

	startedAt time.Time
	cancelled atomic.Bool
	// lastCancelPoll throttles durable-flag reads to one per second; the
	// ephemeral bus signal flips cancelled immediately when it arrives.
	lastCancelPoll atomic.Int64

	summary map[string]stageCounts
}

func newRun(w *Worker, task *store.Task) *taskRun {
	return &taskRun{
		w:       w,
		task:    task,
		logger:  w.logger.With("task_id", task.TaskID),
		summary: map[string]stageCounts{},
	}
}

func (r *taskRun) execute(ctx context.Context) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	r.logger = r.logger.With("trace_id", traceID)

	var d directives.Directives
	if err := json.Unmarshal([]byte(r.task.Preferences), &d); err != nil {
		r.finishFailed(ctx, store.ErrorKindValidation, fmt.Sprintf("unreadable preferences: %v", err), "")
		return
	}
	r.d = d.Normalize()

	cancelSub := r.w.events.Subscribe(bus.TopicTaskCancel)
	defer r.w.events.Unsubscribe(cancelSub)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go r.watchCancel(watchCtx, cancelSub)

	if r.task.CancelRequested {
		r.finishCancelled(ctx)
		return
	}

	r.startedAt = time.Now().UTC()
	prev := r.task.Status
	updated, err := r.w.store.UpdateTask(ctx, r.task.TaskID, func(t *store.Task) error {
		t.Status = store.TaskStatusRunning
		t.StartedAt = &r.startedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return
		}
		r.logger.Error("failed to start task run", "error", err)
		return
	}
	r.task = updated
	r.publishStatus(string(prev), string(store.TaskStatusRunning), "", "")
	r.appendLog(ctx, "INFO", "", "task run started")

	allItems, err := r.w.items.ListByFilter(ctx, nil)
	if err != nil {
		r.finishFailed(ctx, store.ErrorKindHandler, fmt.Sprintf("list items: %v", err), "")
		return
	}
	plan := planner.Plan(allItems, r.d)
	totalStages := len(plan.Stages)
	if totalStages == 0 {
		r.finishSuccess(ctx)
		return
	}

	for idx, sp := range plan.Stages {
		if r.isCancelled(ctx) {
			r.finishCancelled(ctx)
			return
		}

		stageID := string(sp.StageID)
		if !sp.ShouldRun {
			r.skipStage(ctx, sp)
			r.advanceProgress(ctx, idx+1, totalStages, stageID, "skipped")
			continue
		}

		ok := r.runStage(ctx, sp, idx, totalStages)
		if !ok {
			return // runStage already wrote the terminal state
		}
		r.advanceProgress(ctx, idx+1, totalStages, stageID, "completed")

		if r.isCancelled(ctx) {
			r.finishCancelled(ctx)
			return
		}
	}

	r.finishSuccess(ctx)
}

// watchCancel flips the cancelled flag when the ephemeral signal arrives.
func (r *taskRun) watchCancel(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ce, isCancel := ev.Payload.(bus.TaskCancelEvent); isCancel && ce.TaskID == r.task.TaskID {
				r.cancelled.Store(true)
			}
		}
	}
}

// isCancelled checks the ephemeral flag, falling back to the durable
// cancel_requested column at most once per second.
func (r *taskRun) isCancelled(ctx context.Context) bool {
	if r.cancelled.Load() {
		return true
	}
	now := time.Now().UnixNano()
	last := r.lastCancelPoll.Load()
	if now-last < int64(time.Second) {
		return false
	}
	if !r.lastCancelPoll.CompareAndSwap(last, now) {
		return false
	}
	flagged, err := r.w.store.IsCancelRequested(ctx, r.task.TaskID)
	if err != nil {
		return false
	}
	if flagged {
		r.cancelled.Store(true)
	}
	return flagged
}

func (r *taskRun) skipStage(ctx context.Context, sp planner.StagePlan) {
	stageID := string(sp.StageID)
	now := time.Now().UTC()
	phase := store.PhaseState{
		StageID:     stageID,
		Status:      store.PhaseStatusSkipped,
		StartedAt:   &now,
		CompletedAt: &now,
		Message:     "no work needed",
	}
	if err := r.w.store.SetPhase(ctx, r.task.TaskID, phase); err != nil {
		r.logger.Warn("set skipped phase failed", "stage", stageID, "error", err)
	}
	r.w.progress.PublishPhaseUpdate(r.task.TaskID, bus.PhaseUpdateEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(store.PhaseStatusSkipped),
	})
	r.w.progress.PublishPhaseComplete(r.task.TaskID, bus.PhaseCompleteEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(store.PhaseStatusSkipped),
	})
	r.summary[stageID] = stageCounts{Status: string(store.PhaseStatusSkipped)}
}

// runStage executes one stage through its handler. It returns false when it
// wrote a terminal task state (failure or cancellation) and the run must
// stop.
func (r *taskRun) runStage(ctx context.Context, sp planner.StagePlan, idx, totalStages int) bool {
	stageID := string(sp.StageID)
	stageStart := time.Now().UTC()

	handler, err := r.w.registry.NewHandler(sp.StageID)
	if err != nil {
		r.failStage(ctx, sp, stageStart, stage.StageResult{}, err.Error())
		r.finishFailed(ctx, store.ErrorKindValidation, err.Error(), "")
		return false
	}

	total := sp.TotalEstimated
	activePhase := store.PhaseState{
		StageID:    stageID,
		Status:     store.PhaseStatusActive,
		TotalCount: total,
		StartedAt:  &stageStart,
	}
	if err := r.w.store.SetPhase(ctx, r.task.TaskID, activePhase); err != nil {
		r.logger.Warn("set active phase failed", "stage", stageID, "error", err)
	}
	r.setCurrentPhase(ctx, stageID, "starting")
	r.w.progress.PublishPhaseUpdate(r.task.TaskID, bus.PhaseUpdateEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(store.PhaseStatusActive), Total: total,
	})
	r.appendLog(ctx, "INFO", stageID, fmt.Sprintf("stage started: %d item(s)", total))

	emitter := &throttledEmitter{run: r, stageID: stageID, idx: idx, totalStages: totalStages}
	result, trace, execErr := r.invokeHandler(ctx, handler, sp, emitter)

	if execErr != nil {
		kind := store.ErrorKindHandler
		if errors.Is(execErr, context.DeadlineExceeded) {
			kind = store.ErrorKindTimeout
		}
		r.failStage(ctx, sp, stageStart, result, execErr.Error())
		r.finishFailed(ctx, kind, fmt.Sprintf("stage %s: %v", stageID, execErr), trace)
		return false
	}

	// Committed item updates are retained even if cancellation follows.
	applyErrors := r.applyItemUpdates(ctx, stageID, result.ItemUpdates)
	result.ErrorCount += applyErrors

	telemetry.StageDuration.WithLabelValues(stageID).Observe(time.Since(stageStart).Seconds())
	if r.w.metrics != nil {
		r.w.metrics.StageDuration.Record(ctx, time.Since(stageStart).Seconds())
		r.w.metrics.ItemsProcessed.Add(ctx, int64(result.ProcessedCount))
	}

	cancelledMidStage := r.isCancelled(ctx)
	stageFailed := cancelledMidStage ||
		(result.TotalCount > 0 && result.ErrorCount >= result.TotalCount) ||
		(r.d.FailFast && result.ErrorCount > 0)

	now := time.Now().UTC()
	status := store.PhaseStatusCompleted
	message := result.Summary
	if stageFailed {
		status = store.PhaseStatusFailed
		if cancelledMidStage {
			message = "cancelled"
		} else if message == "" {
			message = fmt.Sprintf("%d of %d items failed", result.ErrorCount, result.TotalCount)
		}
	}
	phase := store.PhaseState{
		StageID:        stageID,
		Status:         status,
		ProcessedCount: result.ProcessedCount,
		TotalCount:     result.TotalCount,
		ErrorCount:     result.ErrorCount,
		StartedAt:      &stageStart,
		CompletedAt:    &now,
		Message:        message,
	}
	if err := r.w.store.SetPhase(ctx, r.task.TaskID, phase); err != nil {
		r.logger.Warn("set terminal phase failed", "stage", stageID, "error", err)
	}
	r.w.progress.PublishPhaseUpdate(r.task.TaskID, bus.PhaseUpdateEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(status), Message: message,
		Processed: result.ProcessedCount, Total: result.TotalCount, ErrorCount: result.ErrorCount,
	})
	r.w.progress.PublishPhaseComplete(r.task.TaskID, bus.PhaseCompleteEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(status),
		Processed: result.ProcessedCount, Total: result.TotalCount, ErrorCount: result.ErrorCount,
		DurationSeconds: now.Sub(stageStart).Seconds(),
	})
	r.summary[stageID] = stageCounts{
		Status: string(status), Processed: result.ProcessedCount,
		Total: result.TotalCount, Errors: result.ErrorCount,
	}
	r.appendLog(ctx, "INFO", stageID, fmt.Sprintf("stage %s: %d/%d processed, %d error(s)",
		status, result.ProcessedCount, result.TotalCount, result.ErrorCount))

	if cancelledMidStage {
		r.finishCancelled(ctx)
		return false
	}
	if stageFailed {
		r.finishFailed(ctx, store.ErrorKindHandler,
			fmt.Sprintf("stage %s failed: %d of %d items errored", stageID, result.ErrorCount, result.TotalCount), "")
		return false
	}
	return true
}

// invokeHandler runs the handler under the per-stage timeout, translating
// panics into fatal handler errors with a trace.
func (r *taskRun) invokeHandler(ctx context.Context, handler stage.Handler, sp planner.StagePlan, emitter stage.ProgressEmitter) (stage.StageResult, string, error) {
	hctx, cancel := context.WithTimeout(ctx, r.w.cfg.HandlerTimeout)
	defer cancel()

	sctx := stage.Context{
		Context:       hctx,
		Logger:        r.logger.With("stage", string(sp.StageID)),
		Emitter:       emitter,
		Items:         r.w.items,
		Preferences:   r.d,
		Collaborators: r.w.collab,
		Cancelled:     func() bool { return r.isCancelled(ctx) },
	}

	type outcome struct {
		result stage.StageResult
		err    error
		trace  string
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", p), trace: string(debug.Stack())}
			}
		}()
		res, execErr := handler.Execute(sctx, sp.NeedsProcessing)
		done <- outcome{result: res, err: execErr}
	}()

	select {
	case o := <-done:
		return o.result, o.trace, o.err
	case <-hctx.Done():
		return stage.StageResult{}, "", fmt.Errorf("handler timeout after %s: %w", r.w.cfg.HandlerTimeout, context.DeadlineExceeded)
	}
}

// applyItemUpdates persists a stage's item patches under the idempotency
// dedup, returning the number of updates that failed.
func (r *taskRun) applyItemUpdates(ctx context.Context, stageID string, updates []stage.ItemUpdate) int {
	failures := 0
	for _, upd := range updates {
		hash := updateHash(r.task.TaskID, stageID, upd)
		already, err := r.w.store.CheckStageIdempotency(ctx, hash, r.task.TaskID, upd.ItemID)
		if err != nil {
			r.logger.Warn("idempotency check failed", "item_id", upd.ItemID, "error", err)
		} else if already {
			continue
		}
		if _, err := r.w.items.Update(ctx, upd.ItemID, upd.Patch, upd.ExpectedVersion); err != nil {
			failures++
			r.appendLog(ctx, "WARN", stageID, fmt.Sprintf("item %s update rejected: %v", upd.ItemID, err))
		}
	}
	return failures
}

func updateHash(taskID, stageID string, upd stage.ItemUpdate) string {
	raw, _ := json.Marshal(upd.Patch)
	h := sha256.Sum256([]byte(taskID + "|" + stageID + "|" + upd.ItemID + "|" + string(raw)))
	return hex.EncodeToString(h[:])
}

// failStage records a failed PhaseState for a stage that never produced a
// usable result (unknown handler, fatal error before counts existed).
func (r *taskRun) failStage(ctx context.Context, sp planner.StagePlan, stageStart time.Time, result stage.StageResult, message string) {
	stageID := string(sp.StageID)
	now := time.Now().UTC()
	phase := store.PhaseState{
		StageID:        stageID,
		Status:         store.PhaseStatusFailed,
		ProcessedCount: result.ProcessedCount,
		TotalCount:     result.TotalCount,
		ErrorCount:     result.ErrorCount,
		StartedAt:      &stageStart,
		CompletedAt:    &now,
		Message:        message,
	}
	if err := r.w.store.SetPhase(ctx, r.task.TaskID, phase); err != nil {
		r.logger.Warn("set failed phase failed", "stage", stageID, "error", err)
	}
	r.w.progress.PublishPhaseUpdate(r.task.TaskID, bus.PhaseUpdateEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(store.PhaseStatusFailed), Message: message,
	})
	r.w.progress.PublishPhaseComplete(r.task.TaskID, bus.PhaseCompleteEvent{
		TaskID: r.task.TaskID, StageID: stageID, Status: string(store.PhaseStatusFailed),
		DurationSeconds: now.Sub(stageStart).Seconds(),
	})
	r.summary[stageID] = stageCounts{Status: string(store.PhaseStatusFailed), Errors: result.ErrorCount}
}

// advanceProgress bumps progress_percent after a stage boundary. Percent is
// monotonic non-decreasing during RUNNING.
func (r *taskRun) advanceProgress(ctx context.Context, stagesDone, totalStages int, phaseID, message string) {
	pct := stagesDone * 100 / totalStages
	if pct > 99 {
		pct = 99 // 100 is reserved for the terminal SUCCESS transition
	}
	r.setProgress(ctx, pct, phaseID, message)
}

func (r *taskRun) setProgress(ctx context.Context, pct int, phaseID, message string) {
	updated, err := r.w.store.UpdateTask(ctx, r.task.TaskID, func(t *store.Task) error {
		if pct > t.ProgressPercent {
			t.ProgressPercent = pct
		}
		t.CurrentPhaseID = phaseID
		t.CurrentPhaseMessage = message
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrTaskTerminal) {
			r.logger.Warn("progress update failed", "error", err)
		}
		return
	}
	r.task = updated
}

func (r *taskRun) setCurrentPhase(ctx context.Context, phaseID, message string) {
	r.setProgress(ctx, r.task.ProgressPercent, phaseID, message)
}

func (r *taskRun) publishStatus(oldStatus, newStatus, phaseID, message string) {
	r.w.progress.PublishTaskStatus(r.task.TaskID, bus.TaskStatusEvent{
		TaskID:              r.task.TaskID,
		OldStatus:           oldStatus,
		NewStatus:           newStatus,
		IsRunning:           newStatus == string(store.TaskStatusRunning),
		CurrentPhaseID:      phaseID,
		CurrentPhaseMessage: message,
	})
}

// appendLog durably appends a log entry, then mirrors it onto the Progress
// Bus.
func (r *taskRun) appendLog(ctx context.Context, level, phaseID, message string) {
	seq, err := r.w.store.AppendLog(ctx, store.LogEntry{
		TaskID:    r.task.TaskID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: "worker",
		PhaseID:   phaseID,
		Message:   message,
	})
	if err != nil {
		r.logger.Warn("append log failed", "error", err)
		return
	}
	r.w.progress.PublishLog(r.task.TaskID, bus.LogEvent{
		TaskID:    r.task.TaskID,
		Sequence:  seq,
		Level:     level,
		Component: "worker",
		StageID:   phaseID,
		Message:   message,
	})
}

func (r *taskRun) resultSummaryJSON() string {
	raw, err := json.Marshal(r.summary)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (r *taskRun) recordMetrics(ctx context.Context, durationMs int64) {
	if err := r.w.store.RecordTaskMetrics(ctx, store.TaskMetrics{
		TaskID:       r.task.TaskID,
		DurationMs:   durationMs,
		StageSummary: r.resultSummaryJSON(),
		RecordedAt:   time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("record task metrics failed", "error", err)
	}
}

func (r *taskRun) finishSuccess(ctx context.Context) {
	now := time.Now().UTC()
	var durationMs int64
	updated, err := r.w.store.UpdateTask(ctx, r.task.TaskID, func(t *store.Task) error {
		t.Status = store.TaskStatusSuccess
		t.ProgressPercent = 100
		t.CompletedAt = &now
		if t.StartedAt != nil {
			durationMs = now.Sub(*t.StartedAt).Milliseconds()
		}
		t.DurationMs = durationMs
		t.ResultSummary = r.resultSummaryJSON()
		t.IsActive = false
		return nil
	})
	if err != nil {
		r.logger.Error("terminal SUCCESS write failed", "error", err)
		return
	}
	r.task = updated
	r.recordMetrics(ctx, durationMs)
	r.appendLog(ctx, "INFO", "", "task completed successfully")
	r.publishStatus(string(store.TaskStatusRunning), string(store.TaskStatusSuccess), "", "")
	r.w.progress.PublishTaskCompleted(r.task.TaskID, bus.TaskCompletedEvent{
		TaskID: r.task.TaskID, Status: string(store.TaskStatusSuccess),
		ResultSummary: r.task.ResultSummary, DurationSeconds: float64(durationMs) / 1000,
	})
	telemetry.TasksTerminal.WithLabelValues(string(store.TaskStatusSuccess)).Inc()
	if r.w.metrics != nil {
		r.w.metrics.TasksCompleted.Add(ctx, 1)
		r.w.metrics.TaskDuration.Record(ctx, float64(durationMs)/1000)
	}
}

func (r *taskRun) finishFailed(ctx context.Context, errorKind, errorMessage, errorTrace string) {
	now := time.Now().UTC()
	var durationMs int64
	updated, err := r.w.store.UpdateTask(ctx, r.task.TaskID, func(t *store.Task) error {
		t.Status = store.TaskStatusFailed
		t.ErrorKind = errorKind
		t.ErrorMessage = errorMessage
		t.ErrorTrace = errorTrace
		t.CompletedAt = &now
		if t.StartedAt != nil {
			durationMs = now.Sub(*t.StartedAt).Milliseconds()
		}
		t.DurationMs = durationMs
		t.ResultSummary = r.resultSummaryJSON()
		t.IsActive = false
		return nil
	})
	if err != nil {
		r.logger.Error("terminal FAILED write failed", "error", err)
		return
	}
	r.task = updated
	r.recordMetrics(ctx, durationMs)
	r.appendLog(ctx, "ERROR", "", fmt.Sprintf("task failed: %s: %s", errorKind, errorMessage))
	r.publishStatus(string(store.TaskStatusRunning), string(store.TaskStatusFailed), "", "")
	r.w.progress.PublishTaskError(r.task.TaskID, bus.TaskErrorEvent{
		TaskID: r.task.TaskID, ErrorKind: errorKind, Message: errorMessage,
	})
	r.w.progress.PublishTaskCompleted(r.task.TaskID, bus.TaskCompletedEvent{
		TaskID: r.task.TaskID, Status: string(store.TaskStatusFailed),
		ResultSummary: r.task.ResultSummary, DurationSeconds: float64(durationMs) / 1000,
	})
	telemetry.TasksTerminal.WithLabelValues(string(store.TaskStatusFailed)).Inc()
	if r.w.metrics != nil {
		r.w.metrics.TasksFailed.Add(ctx, 1)
	}
}

func (r *taskRun) finishCancelled(ctx context.Context) {
	now := time.Now().UTC()
	var durationMs int64
	updated, err := r.w.store.UpdateTask(ctx, r.task.TaskID, func(t *store.Task) error {
		t.Status = store.TaskStatusCancelled
		t.CompletedAt = &now
		if t.StartedAt != nil {
			durationMs = now.Sub(*t.StartedAt).Milliseconds()
		}
		t.DurationMs = durationMs
		t.ResultSummary = r.resultSummaryJSON()
		t.IsActive = false
		return nil
	})
	if err != nil {
		r.logger.Error("terminal CANCELLED write failed", "error", err)
		return
	}
	r.task = updated
	r.recordMetrics(ctx, durationMs)
	r.appendLog(ctx, "INFO", "", "task cancelled")
	r.publishStatus(string(store.TaskStatusRunning), string(store.TaskStatusCancelled), "", "")
	r.w.progress.PublishTaskCompleted(r.task.TaskID, bus.TaskCompletedEvent{
		TaskID: r.task.TaskID, Status: string(store.TaskStatusCancelled),
		ResultSummary: r.task.ResultSummary, DurationSeconds: float64(durationMs) / 1000,
	})
	telemetry.TasksTerminal.WithLabelValues(string(store.TaskStatusCancelled)).Inc()
}

// throttledEmitter relays per-item handler progress at most once per second
// or per 1% of the stage, whichever is coarser.
type throttledEmitter struct {
	run         *taskRun
	stageID     string
	idx         int
	totalStages int

	mu          sync.Mutex
	lastEmit    time.Time
	lastPercent int
}

func (e *throttledEmitter) EmitItemProgress(itemID string, processed, total int) {
	pct := 0
	if total > 0 {
		pct = processed * 100 / total
	}

	e.mu.Lock()
	now := time.Now()
	due := now.Sub(e.lastEmit) >= time.Second || pct >= e.lastPercent+1 || processed == total
	if !due {
		e.mu.Unlock()
		return
	}
	e.lastEmit = now
	e.lastPercent = pct
	e.mu.Unlock()

	r := e.run
	ctx := context.Background()
	phase := store.PhaseState{
		StageID:        e.stageID,
		Status:         store.PhaseStatusInProgress,
		ProcessedCount: processed,
		TotalCount:     total,
	}
	if err := r.w.store.SetPhase(ctx, r.task.TaskID, phase); err != nil {
		r.logger.Warn("in-progress phase write failed", "stage", e.stageID, "error", err)
	}
	r.w.progress.PublishPhaseUpdate(r.task.TaskID, bus.PhaseUpdateEvent{
		TaskID: r.task.TaskID, StageID: e.stageID, Status: string(store.PhaseStatusInProgress),
		ItemID: itemID, Processed: processed, Total: total,
	})

	// Within-stage progress contributes its fraction of the stage's slice.
	if e.totalStages > 0 && total > 0 {
		base := e.idx * 100 / e.totalStages
		span := 100 / e.totalStages
		r.setProgress(ctx, base+span*processed/total, e.stageID,
			fmt.Sprintf("%d/%d items", processed, total))
	}
}
