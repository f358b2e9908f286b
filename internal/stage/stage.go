// Package stage defines the Stage Handler plug-in contract and a
// registry of concrete handlers keyed by stage_id. Concrete AI/network/git
// collaborators stay external; handlers here either wrap a
// user-supplied Go implementation (native) or host one inside a WASM
// sandbox (internal/stage/wasm.go).
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/items"
)

// PlanDescription previews a stage's expected workload for a UI.
type PlanDescription struct {
	StageID        directives.StageID
	TotalEstimated int
}

// ItemUpdate is one entry of a StageResult's item_updates list.
type ItemUpdate struct {
	ItemID string
	Patch  items.Patch
	// ExpectedVersion is the item's version as observed by the handler at
	// read time; the Worker Runtime passes it through to items.Update so a
	// concurrent external mutation surfaces as ErrVersionConflict rather
	// than silently clobbering it.
	ExpectedVersion int
}

// StageResult is a handler's execute() outcome.
type StageResult struct {
	ProcessedCount int
	TotalCount     int
	ErrorCount     int
	ItemUpdates    []ItemUpdate
	Summary        string
}

// ProgressEmitter lets a handler report incremental progress at least once
// per completed item.
type ProgressEmitter interface {
	EmitItemProgress(itemID string, processed, total int)
}

// Collaborators bundles the opaque external-service handles a handler may
// need. Fields are
// interface{} because each concrete handler knows its own collaborator
// types (LLM client, HTTP client, markdown renderer, vector store client,
// git client, filesystem root); the orchestrator core never imports them.
type Collaborators struct {
	LLMClient         interface{}
	HTTPClient        interface{}
	FilesystemRoot    string
	MarkdownRenderer  interface{}
	VectorStoreClient interface{}
	GitClient         interface{}
}

// Context is the execution context injected into a handler's execute()
// call. Handlers must not reference the Worker Runtime or each
// other; all cross-stage communication flows through Items.
type Context struct {
	context.Context

	Logger        *slog.Logger
	Emitter       ProgressEmitter
	Items         *items.Repository
	Preferences   directives.Directives
	Collaborators Collaborators

	// Cancelled reports whether the task's cancellation signal has fired;
	// handlers must poll it between items.
	Cancelled func() bool
}

// Handler is the Stage Handler contract. Concrete handlers
// are external collaborators; the orchestrator only depends on this
// interface.
type Handler interface {
	PlanDescription(preferences directives.Directives) PlanDescription
	Execute(ctx Context, itemIDs []string) (StageResult, error)
}

// ErrUnknownStage is returned when preferences reference a stage_id with
// no registered handler.
var ErrUnknownStage = errors.New("unknown stage_id")

// Declaration is a handler's registry entry.
type Declaration struct {
	StageID      directives.StageID
	Kind         directives.Kind
	Dependencies []directives.StageID
	Factory      func() Handler
}

// Registry holds handler declarations keyed by stage_id, loaded once at
// startup.
type Registry struct {
	declarations map[directives.StageID]Declaration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{declarations: map[directives.StageID]Declaration{}}
}

// Register adds a declaration, overwriting any prior registration for the
// same stage_id (last registration wins, matching startup load order).
func (r *Registry) Register(d Declaration) {
	r.declarations[d.StageID] = d
}

// Lookup returns the declaration for stageID, or ErrUnknownStage.
func (r *Registry) Lookup(stageID directives.StageID) (Declaration, error) {
	d, ok := r.declarations[stageID]
	if !ok {
		return Declaration{}, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	return d, nil
}

// ValidateStages checks that every stage_id referenced by d (its active
// set, plus any skip/force keys) has a registered handler.
func (r *Registry) ValidateStages(d directives.Directives) error {
	for stageID := range d.ActiveStageSet() {
		if _, err := r.Lookup(stageID); err != nil {
			return err
		}
	}
	for stageID := range d.Skip {
		if _, err := r.Lookup(stageID); err != nil {
			return err
		}
	}
	for stageID := range d.Force {
		if _, err := r.Lookup(stageID); err != nil {
			return err
		}
	}
	return nil
}

// NewHandler builds a fresh Handler instance for stageID via its
// registered factory (handlers are stateless between invocations by
// contract; the Worker Runtime creates one per stage execution).
func (r *Registry) NewHandler(stageID directives.StageID) (Handler, error) {
	d, err := r.Lookup(stageID)
	if err != nil {
		return nil, err
	}
	return d.Factory(), nil
}
