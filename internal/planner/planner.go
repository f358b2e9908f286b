// Package planner computes, as a pure function with no I/O and no
// mutation, the ExecutionPlan for a run from item states and directives.
// Ties are always broken by item_id ascending, so two calls with
// identical inputs return byte-identical plans.
package planner

import (
	"sort"

	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/items"
)

// Reason codes for ineligible items.
const (
	ReasonMissingCache      = "MISSING_CACHE"
	ReasonMissingMedia      = "MISSING_MEDIA"
	ReasonMissingCategory   = "MISSING_CATEGORY"
	ReasonMissingGeneration = "MISSING_GENERATION"
)

var reasonForStage = map[directives.StageID]string{
	directives.StageMedia:      ReasonMissingCache,
	directives.StageCategorize: ReasonMissingMedia,
	directives.StageGenerate:   ReasonMissingCategory,
	directives.StageDBSync:     ReasonMissingGeneration,
	directives.StageEmbed:      ReasonMissingGeneration,
}

// StagePlan is the per-stage slice of an ExecutionPlan.
type StagePlan struct {
	StageID         directives.StageID
	Kind            directives.Kind
	NeedsProcessing []string          // item_ids, ascending
	AlreadyComplete []string          // item_ids, ascending
	Ineligible      map[string]string // item_id -> reason
	ShouldRun       bool              // false => worker emits skipped PhaseUpdate/PhaseComplete
	Forced          bool
	TotalEstimated  int
}

// ExecutionPlan is the immutable, ephemeral per-run artifact produced by
// the Planner.
type ExecutionPlan struct {
	Stages []StagePlan // fixed topological order; stages outside the active set carry no work
}

// StageByID returns the plan for stageID, or (StagePlan{}, false).
func (p ExecutionPlan) StageByID(stageID directives.StageID) (StagePlan, bool) {
	for _, s := range p.Stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return StagePlan{}, false
}

func stageOwnFlag(stage directives.StageID, it items.Item) bool {
	switch stage {
	case directives.StageCache:
		return it.Cached
	case directives.StageMedia:
		return it.MediaDone
	case directives.StageCategorize:
		return it.Categorized
	case directives.StageGenerate:
		return it.Generated
	case directives.StageDBSync:
		return it.DBSynced
	case directives.StageEmbed:
		return it.Embedded
	default:
		return false
	}
}

// cascadingInvalidated computes, for a normalized set of forced stages, the
// closure of stages whose own flag must be treated as false because an
// upstream prerequisite will be recomputed.
func cascadingInvalidated(forced map[directives.StageID]bool) map[directives.StageID]bool {
	invalidated := map[directives.StageID]bool{}
	for s := range forced {
		invalidated[s] = true
	}
	changed := true
	for changed {
		changed = false
		for _, s := range directives.StageOrder {
			if invalidated[s] {
				continue
			}
			for _, dep := range directives.DependsOn[s] {
				if invalidated[dep] {
					invalidated[s] = true
					changed = true
					break
				}
			}
		}
	}
	return invalidated
}

func effectiveForcedSet(d directives.Directives) map[directives.StageID]bool {
	forced := map[directives.StageID]bool{}
	if d.ForceAll {
		for _, s := range directives.StageOrder {
			forced[s] = true
		}
	}
	for s, f := range d.Force {
		if f {
			forced[s] = true
		}
	}
	return forced
}

// Plan computes the ExecutionPlan for allItems under d. It
// performs no I/O; allItems must already reflect the current repository
// state.
func Plan(allItems []items.Item, d directives.Directives) ExecutionPlan {
	d = d.Normalize()
	sorted := make([]items.Item, len(allItems))
	copy(sorted, allItems)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	active := d.ActiveStageSet()
	forced := effectiveForcedSet(d)
	invalidated := cascadingInvalidated(forced)

	effectiveFlag := func(stage directives.StageID, it items.Item) bool {
		if invalidated[stage] {
			return false
		}
		return stageOwnFlag(stage, it)
	}

	// scheduled records, stage by stage in topological order, the items this
	// plan will process. A prerequisite counts as satisfied when its flag is
	// already true or when an earlier stage of this same run will set it;
	// that is how a fresh item lands in needs_processing for every per-item
	// stage of a full pipeline rather than only the first.
	scheduled := map[directives.StageID]map[string]bool{}

	prereqSatisfied := func(stage directives.StageID, it items.Item) bool {
		for _, dep := range directives.DependsOn[stage] {
			if directives.StageKind[dep] != directives.KindPerItem {
				continue
			}
			if effectiveFlag(dep, it) || scheduled[dep][it.ItemID] {
				continue
			}
			return false
		}
		return true
	}

	plan := ExecutionPlan{}
	for _, stageID := range directives.StageOrder {
		if !active[stageID] {
			// Stages outside the run mode's set stay in the plan so the
			// worker emits their skipped PhaseUpdate/PhaseComplete events,
			// but carry no work.
			plan.Stages = append(plan.Stages, StagePlan{
				StageID:    stageID,
				Kind:       directives.StageKind[stageID],
				Ineligible: map[string]string{},
			})
			continue
		}
		skipped := d.Skip[stageID]
		isForced := forced[stageID]

		sp := StagePlan{
			StageID:    stageID,
			Kind:       directives.StageKind[stageID],
			Ineligible: map[string]string{},
			Forced:     isForced,
		}

		switch directives.StageKind[stageID] {
		case directives.KindPerItem:
			for _, it := range sorted {
				if !prereqSatisfied(stageID, it) {
					if reason, ok := reasonForStage[stageID]; ok {
						sp.Ineligible[it.ItemID] = reason
					}
					continue
				}
				ownFlag := effectiveFlag(stageID, it)
				switch {
				case skipped:
					if ownFlag {
						sp.AlreadyComplete = append(sp.AlreadyComplete, it.ItemID)
					}
				case ownFlag && !isForced:
					sp.AlreadyComplete = append(sp.AlreadyComplete, it.ItemID)
				default:
					sp.NeedsProcessing = append(sp.NeedsProcessing, it.ItemID)
					if scheduled[stageID] == nil {
						scheduled[stageID] = map[string]bool{}
					}
					scheduled[stageID][it.ItemID] = true
				}
			}
			sp.TotalEstimated = len(sp.NeedsProcessing)
			sp.ShouldRun = !skipped && (len(sp.NeedsProcessing) > 0 || isForced)

		case directives.KindAggregate:
			// synthesize: runs once per run if any item already has a
			// completed generate stage, will get one this run, or is forced.
			anyReady := len(scheduled[directives.StageGenerate]) > 0
			for _, it := range sorted {
				if anyReady {
					break
				}
				if effectiveFlag(directives.StageGenerate, it) {
					anyReady = true
				}
			}
			sp.ShouldRun = !skipped && (anyReady || isForced)
			if sp.ShouldRun {
				sp.TotalEstimated = 1
			}

		case directives.KindGlobal:
			switch stageID {
			case directives.StageFetch:
				sp.ShouldRun = !skipped
			case directives.StageReadme:
				synthDep, hasSynthDep := plan.StageByID(directives.StageSynthesize)
				sp.ShouldRun = !skipped && (isForced || !hasSynthDep || synthDep.ShouldRun)
			case directives.StageGitSync:
				sp.ShouldRun = !skipped
			}
			if sp.ShouldRun {
				sp.TotalEstimated = 1
			}
		}

		plan.Stages = append(plan.Stages, sp)
	}

	return plan
}
