package stage

import (
	"fmt"

	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/items"
)

// ProcessFunc performs one stage's external work for a single item and
// returns the derived-field patch to merge (category, short name, artifact
// paths, ...). The built-in handler wraps it with the orchestration-side
// bookkeeping: completion-flag setting, per-item retries, progress
// emission, and cancellation checks. Aggregate and global stages receive a
// zero Item.
type ProcessFunc func(ctx Context, it items.Item) (items.Patch, error)

// Builtins maps stage IDs to their external work. A stage with no entry
// gets a bookkeeping-only handler that records completion without side
// effects, which keeps the binary operable end to end before the real
// collaborators are plugged in; WASM plugins dropped into the plugin
// directory override these, since the last registration for a stage wins.
type Builtins map[directives.StageID]ProcessFunc

// builtinMaxAttempts bounds per-item retries for transient process errors.
const builtinMaxAttempts = 3

// RegisterBuiltins registers a native handler for every pipeline stage.
func RegisterBuiltins(reg *Registry, procs Builtins) {
	for _, s := range directives.StageOrder {
		s := s
		proc := procs[s]
		reg.Register(Declaration{
			StageID:      s,
			Kind:         directives.StageKind[s],
			Dependencies: directives.DependsOn[s],
			Factory: func() Handler {
				return &builtinHandler{stageID: s, kind: directives.StageKind[s], proc: proc}
			},
		})
	}
}

type builtinHandler struct {
	stageID directives.StageID
	kind    directives.Kind
	proc    ProcessFunc
}

func (h *builtinHandler) PlanDescription(d directives.Directives) PlanDescription {
	return PlanDescription{StageID: h.stageID}
}

func (h *builtinHandler) Execute(ctx Context, itemIDs []string) (StageResult, error) {
	if h.kind != directives.KindPerItem {
		return h.executeOnce(ctx)
	}

	res := StageResult{TotalCount: len(itemIDs)}
	for _, id := range itemIDs {
		if ctx.Cancelled() {
			return res, nil
		}
		it, err := ctx.Items.Get(ctx, id)
		if err != nil {
			res.ErrorCount++
			continue
		}

		patch, err := h.processWithRetry(ctx, *it)
		if err != nil {
			res.ErrorCount++
			ctx.Logger.Warn("item processing failed", "item_id", id, "error", err)
			continue
		}
		setCompletionFlag(h.stageID, &patch)
		res.ItemUpdates = append(res.ItemUpdates, ItemUpdate{
			ItemID:          id,
			Patch:           patch,
			ExpectedVersion: it.Version,
		})
		res.ProcessedCount++
		ctx.Emitter.EmitItemProgress(id, res.ProcessedCount, res.TotalCount)
	}
	return res, nil
}

// executeOnce runs an aggregate or global stage's work a single time.
func (h *builtinHandler) executeOnce(ctx Context) (StageResult, error) {
	res := StageResult{TotalCount: 1}
	if ctx.Cancelled() {
		return res, nil
	}
	if h.proc != nil {
		if _, err := h.processWithRetry(ctx, items.Item{}); err != nil {
			return res, fmt.Errorf("%s: %w", h.stageID, err)
		}
	}
	res.ProcessedCount = 1
	return res, nil
}

// processWithRetry runs proc up to builtinMaxAttempts times. A nil proc is
// a no-op with an empty patch.
func (h *builtinHandler) processWithRetry(ctx Context, it items.Item) (items.Patch, error) {
	if h.proc == nil {
		return items.Patch{}, nil
	}
	var lastErr error
	for attempt := 1; attempt <= builtinMaxAttempts; attempt++ {
		patch, err := h.proc(ctx, it)
		if err == nil {
			return patch, nil
		}
		lastErr = err
		if ctx.Cancelled() || ctx.Err() != nil {
			break
		}
	}
	return items.Patch{}, fmt.Errorf("after %d attempt(s): %w", builtinMaxAttempts, lastErr)
}

func boolPtr(b bool) *bool { return &b }

// setCompletionFlag marks the stage's own per-item flag on patch. Stages
// without a per-item flag (fetch, synthesize, readme, git_sync) leave the
// patch untouched.
func setCompletionFlag(stageID directives.StageID, patch *items.Patch) {
	switch stageID {
	case directives.StageCache:
		patch.Cached = boolPtr(true)
	case directives.StageMedia:
		patch.MediaDone = boolPtr(true)
	case directives.StageCategorize:
		patch.Categorized = boolPtr(true)
	case directives.StageGenerate:
		patch.Generated = boolPtr(true)
	case directives.StageDBSync:
		patch.DBSynced = boolPtr(true)
	case directives.StageEmbed:
		patch.Embedded = boolPtr(true)
	}
}
