package engine

import (
	"faz/internal/config"
	"faz/internal/domain"
)

// step is one position in the pipeline. Building occupies one step per
// configured build step, indexed from 1; every other phase has index 0.
type step struct {
	Phase domain.Phase
	Index int
}

// plan expands the pipeline config into the ordered step sequence:
// intake, planning, building 1..N, qa, review, deploying.
func plan(cfg *config.Config) []step {
	steps := []step{
		{Phase: domain.PhaseIntake},
		{Phase: domain.PhasePlanning},
	}
	for i := range cfg.Pipeline.BuildSteps {
		steps = append(steps, step{Phase: domain.PhaseBuilding, Index: i + 1})
	}
	steps = append(steps,
		step{Phase: domain.PhaseQA},
		step{Phase: domain.PhaseReview},
		step{Phase: domain.PhaseDeploying},
	)
	return steps
}

func findStep(steps []step, phase domain.Phase, index int) (step, bool) {
	for _, s := range steps {
		if s.Phase == phase && s.Index == index {
			return s, true
		}
	}
	return step{}, false
}

// buildIndexFor picks the step index used when a caller names a phase
// without an index. Building starts at its first configured step.
func buildIndexFor(cfg *config.Config, phase domain.Phase) int {
	if phase == domain.PhaseBuilding && len(cfg.Pipeline.BuildSteps) > 0 {
		return 1
	}
	return 0
}

// nextStep returns the step after the given one, or false when the given
// step is the last and the project is complete.
func nextStep(steps []step, cur step) (step, bool) {
	for i, s := range steps {
		if s.Phase == cur.Phase && s.Index == cur.Index {
			if i+1 < len(steps) {
				return steps[i+1], true
			}
			return step{}, false
		}
	}
	return step{}, false
}

// revisionTarget is where a rejected gate sends the project: the gated
// step itself when it is planning or building, otherwise the nearest
// earlier planning or building step. The target never sits after the
// gated step, so a gate at the very first phase redoes that phase.
func revisionTarget(steps []step, from step) step {
	idx := 0
	for i, s := range steps {
		if s.Phase == from.Phase && s.Index == from.Index {
			idx = i
			break
		}
	}
	for i := idx; i >= 0; i-- {
		if steps[i].Phase == domain.PhaseBuilding || steps[i].Phase == domain.PhasePlanning {
			return steps[i]
		}
	}
	return from
}

// stepName returns the configured label for a building step, empty for
// other phases.
func stepName(cfg *config.Config, s step) string {
	if s.Phase != domain.PhaseBuilding {
		return ""
	}
	i := s.Index - 1
	if i < 0 || i >= len(cfg.Pipeline.BuildSteps) {
		return ""
	}
	return cfg.Pipeline.BuildSteps[i].Name
}
