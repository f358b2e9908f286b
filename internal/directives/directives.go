// Package directives turns user-facing preferences into the immutable,
// validated Directives record consumed by the Phase Planner.
package directives

import "fmt"

// StageID identifies one stage in the fixed pipeline DAG.
type StageID string

const (
	StageFetch       StageID = "fetch"
	StageCache       StageID = "cache"
	StageMedia       StageID = "media"
	StageCategorize  StageID = "categorize"
	StageGenerate    StageID = "generate"
	StageDBSync      StageID = "db_sync"
	StageSynthesize  StageID = "synthesize"
	StageEmbed       StageID = "embed"
	StageReadme      StageID = "readme"
	StageGitSync     StageID = "git_sync"
)

// StageOrder is the topologically-sorted stage set.
var StageOrder = []StageID{
	StageFetch, StageCache, StageMedia, StageCategorize, StageGenerate,
	StageDBSync, StageSynthesize, StageEmbed, StageReadme, StageGitSync,
}

// DependsOn lists each stage's immediate prerequisite stages, the DAG edges
// of the pipeline.
var DependsOn = map[StageID][]StageID{
	StageFetch:      nil,
	StageCache:      nil,
	StageMedia:      {StageCache},
	StageCategorize: {StageMedia},
	StageGenerate:   {StageCategorize},
	StageDBSync:     {StageGenerate},
	StageSynthesize: {StageGenerate},
	StageEmbed:      {StageGenerate},
	StageReadme:     {StageSynthesize},
	StageGitSync:    {StageReadme},
}

// Kind classifies how a stage scopes its work.
type Kind string

const (
	KindPerItem  Kind = "per_item"
	KindAggregate Kind = "aggregate"
	KindGlobal   Kind = "global"
)

// StageKind reports how each stage scopes its work.
var StageKind = map[StageID]Kind{
	StageFetch:      KindGlobal,
	StageCache:      KindPerItem,
	StageMedia:      KindPerItem,
	StageCategorize: KindPerItem,
	StageGenerate:   KindPerItem,
	StageDBSync:     KindPerItem,
	StageSynthesize: KindAggregate,
	StageEmbed:      KindPerItem,
	StageReadme:     KindGlobal,
	StageGitSync:    KindGlobal,
}

func isKnownStage(s StageID) bool {
	_, ok := StageKind[s]
	return ok
}

// RunMode is the closed enum of run modes.
type RunMode string

const (
	RunModeFullPipeline  RunMode = "full_pipeline"
	RunModeFetchOnly     RunMode = "fetch_only"
	RunModeSynthesisOnly RunMode = "synthesis_only"
	RunModeEmbeddingOnly RunMode = "embedding_only"
	RunModeGitOnly       RunMode = "git_only"
	RunModeCustom        RunMode = "custom"
)

// ActiveStageSet returns the stages a run mode admits. For
// custom, it returns the explicit CustomStages from Directives.
func (d Directives) ActiveStageSet() map[StageID]bool {
	set := map[StageID]bool{}
	switch d.RunMode {
	case RunModeFullPipeline:
		for _, s := range StageOrder {
			set[s] = true
		}
	case RunModeFetchOnly:
		set[StageFetch] = true
	case RunModeSynthesisOnly:
		set[StageSynthesize] = true
	case RunModeEmbeddingOnly:
		set[StageEmbed] = true
	case RunModeGitOnly:
		set[StageGitSync] = true
	case RunModeCustom:
		for _, s := range d.CustomStages {
			set[s] = true
		}
	}
	return set
}

// SynthesisMode is a stage-specific option for the synthesize stage.
type SynthesisMode string

const (
	SynthesisComprehensive SynthesisMode = "comprehensive"
	SynthesisTechnical     SynthesisMode = "technical"
	SynthesisPractical     SynthesisMode = "practical"
)

// Directives is the immutable, validated mapping consumed by the Planner.
type Directives struct {
	RunMode      RunMode          `json:"run_mode"`
	CustomStages []StageID        `json:"custom_stages,omitempty"`
	Skip         map[StageID]bool `json:"skip,omitempty"`
	Force        map[StageID]bool `json:"force,omitempty"`
	ForceAll     bool             `json:"force_all,omitempty"`

	SynthesisMode      SynthesisMode `json:"synthesis_mode,omitempty"`
	MaxConcurrentItems int           `json:"max_concurrent_items,omitempty"`

	// FailFast makes any item error fail the whole stage instead of only
	// when every item errored.
	FailFast bool `json:"fail_fast,omitempty"`
}

// ValidationError is the closed error returned by Validate; its Code field
// is surfaced on the wire as the `error_kind`/response body.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ContradictoryDirectives names the preference-validation failure surfaced on the wire.
const CodeContradictoryDirectives = "ContradictoryDirectives"

// Normalize fills in defaults.
func (d Directives) Normalize() Directives {
	if d.SynthesisMode == "" {
		d.SynthesisMode = SynthesisComprehensive
	}
	if d.MaxConcurrentItems <= 0 {
		d.MaxConcurrentItems = 1
	}
	return d
}

// Validate enforces the preference rules, returning *ValidationError on the
// first violation found, in a deterministic check order.
func (d Directives) Validate() error {
	switch d.RunMode {
	case RunModeFullPipeline, RunModeFetchOnly, RunModeSynthesisOnly, RunModeEmbeddingOnly, RunModeGitOnly, RunModeCustom:
	default:
		return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("unknown run_mode %q", d.RunMode)}
	}

	for s := range d.Skip {
		if !isKnownStage(s) {
			return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("unknown stage_id %q in skip", s)}
		}
	}
	for s := range d.Force {
		if !isKnownStage(s) {
			return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("unknown stage_id %q in force", s)}
		}
	}
	if d.RunMode == RunModeCustom {
		for _, s := range d.CustomStages {
			if !isKnownStage(s) {
				return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("unknown stage_id %q in custom_stages", s)}
			}
		}
	}

	// Skip + Force on the same stage is always contradictory.
	for s := range d.Skip {
		if d.Skip[s] && (d.Force[s] || d.ForceAll) {
			return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("stage %q is both skipped and forced", s)}
		}
	}

	// Run-mode-incompatible skip: a skip directive naming a stage outside
	// the active set is only an error when it names the run mode's own
	// (sole) stage, since that stage cannot be simultaneously the whole
	// point of the run and excluded from it.
	active := d.ActiveStageSet()
	if d.RunMode != RunModeFullPipeline && d.RunMode != RunModeCustom {
		for s, skipped := range d.Skip {
			if skipped && active[s] {
				return &ValidationError{Code: CodeContradictoryDirectives, Message: fmt.Sprintf("run_mode %q cannot skip its own stage %q", d.RunMode, s)}
			}
		}
	}

	return nil
}
