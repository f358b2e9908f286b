package stage

import (
	"errors"
	"testing"

	"github.com/basket/orchestrator/internal/directives"
)

type fakeHandler struct{}

func (fakeHandler) PlanDescription(d directives.Directives) PlanDescription {
	return PlanDescription{}
}

func (fakeHandler) Execute(ctx Context, itemIDs []string) (StageResult, error) {
	return StageResult{}, nil
}

func TestRegistry_LookupUnknownStage(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup(directives.StageCache)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	first := &fakeHandler{}
	second := &fakeHandler{}
	reg.Register(Declaration{StageID: directives.StageCache, Factory: func() Handler { return first }})
	reg.Register(Declaration{StageID: directives.StageCache, Factory: func() Handler { return second }})

	h, err := reg.NewHandler(directives.StageCache)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if h != second {
		t.Fatalf("expected the later registration to win")
	}
}

func TestValidateStages_RejectsUnregisteredActiveStage(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Declaration{StageID: directives.StageSynthesize, Factory: func() Handler { return fakeHandler{} }})

	// synthesis_only only needs synthesize registered.
	if err := reg.ValidateStages(directives.Directives{RunMode: directives.RunModeSynthesisOnly}); err != nil {
		t.Fatalf("ValidateStages: %v", err)
	}

	// full_pipeline needs every stage.
	err := reg.ValidateStages(directives.Directives{RunMode: directives.RunModeFullPipeline})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestValidateStages_ChecksSkipAndForceKeys(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Declaration{StageID: directives.StageSynthesize, Factory: func() Handler { return fakeHandler{} }})

	err := reg.ValidateStages(directives.Directives{
		RunMode: directives.RunModeSynthesisOnly,
		Force:   map[directives.StageID]bool{directives.StageEmbed: true},
	})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage for force on unregistered stage", err)
	}
}
