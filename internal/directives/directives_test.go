package directives

import "testing"

func TestValidate_SkipForceContradiction(t *testing.T) {
	d := Directives{
		RunMode: RunModeFullPipeline,
		Skip:    map[StageID]bool{StageMedia: true},
		Force:   map[StageID]bool{StageMedia: true},
	}
	err := d.Validate()
	ve, ok := err.(*ValidationError)
	if !ok || ve.Code != CodeContradictoryDirectives {
		t.Fatalf("got %v, want ContradictoryDirectives", err)
	}
}

func TestValidate_SynthesisOnlySkipSynthesize(t *testing.T) {
	// run_mode=synthesis_only with skip_synthesize=true.
	d := Directives{
		RunMode: RunModeSynthesisOnly,
		Skip:    map[StageID]bool{StageSynthesize: true},
	}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected ContradictoryDirectives, got nil")
	}
}

func TestValidate_ForceAllDoesNotConflictAlone(t *testing.T) {
	d := Directives{RunMode: RunModeFullPipeline, ForceAll: true}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownStage(t *testing.T) {
	d := Directives{RunMode: RunModeFullPipeline, Skip: map[StageID]bool{"bogus": true}}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestActiveStageSet_FullPipeline(t *testing.T) {
	d := Directives{RunMode: RunModeFullPipeline}
	set := d.ActiveStageSet()
	if len(set) != len(StageOrder) {
		t.Fatalf("got %d active stages, want %d", len(set), len(StageOrder))
	}
}

func TestActiveStageSet_SynthesisOnly(t *testing.T) {
	d := Directives{RunMode: RunModeSynthesisOnly}
	set := d.ActiveStageSet()
	if len(set) != 1 || !set[StageSynthesize] {
		t.Fatalf("got %v, want only synthesize", set)
	}
}
