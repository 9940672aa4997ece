// Package workflow implements the checkpointed stage graph engine that
// drives a brownfield planning session from repository analysis through a
// finalized implementation plan.
package workflow

import (
	"fmt"

	"blueprint/pkg/proto"
)

// Stage constants. This file is the single source of truth for the stage
// graph; transition tables, handlers, and tests all derive from it.
const (
	// Analysis and parsing stages
	StageAnalyzeExisting   proto.Stage = "analyze_existing"
	StageParseRequirements proto.Stage = "parse_requirements"

	// Human review gates
	StageReviewRequirements proto.Stage = "human_review_requirements"
	StageReviewIntegration  proto.Stage = "human_review_integration"

	// Design and planning stages
	StageDesignIntegration proto.Stage = "design_integration"
	StageGeneratePlan      proto.Stage = "generate_implementation_plan"
	StageFinalize          proto.Stage = "finalize_workflow"

	// Terminal stages
	StageCompleted proto.Stage = "completed"
	StageFailed    proto.Stage = "failed"
)

// stageTransitions defines the canonical transition map. Forward edges
// follow the planning pipeline; review gates additionally loop back to
// their producing stage on rejection. Every non-terminal stage can reach
// failed.
var stageTransitions = map[proto.Stage][]proto.Stage{
	StageAnalyzeExisting:   {StageParseRequirements, StageFailed},
	StageParseRequirements: {StageReviewRequirements, StageFailed},

	// Review gates advance on approval or loop back on rejection
	StageReviewRequirements: {StageDesignIntegration, StageParseRequirements, StageFailed},
	StageReviewIntegration:  {StageGeneratePlan, StageDesignIntegration, StageFailed},

	StageDesignIntegration: {StageReviewIntegration, StageFailed},
	StageGeneratePlan:      {StageFinalize, StageFailed},
	StageFinalize:          {StageCompleted, StageFailed},

	// Terminal stages have no outgoing edges
	StageCompleted: {},
	StageFailed:    {},
}

// reviewSources maps each review gate to the stage whose artifact it reviews.
var reviewSources = map[proto.Stage]proto.Stage{
	StageReviewRequirements: StageParseRequirements,
	StageReviewIntegration:  StageDesignIntegration,
}

// AllStages returns every stage in pipeline order.
func AllStages() []proto.Stage {
	return []proto.Stage{
		StageAnalyzeExisting,
		StageParseRequirements,
		StageReviewRequirements,
		StageDesignIntegration,
		StageReviewIntegration,
		StageGeneratePlan,
		StageFinalize,
		StageCompleted,
		StageFailed,
	}
}

// ValidateStage checks whether the stage exists in the graph.
func ValidateStage(stage proto.Stage) error {
	if _, ok := stageTransitions[stage]; !ok {
		return fmt.Errorf("invalid workflow stage: %s", stage)
	}
	return nil
}

// ValidNextStages returns the allowed successor stages.
func ValidNextStages(from proto.Stage) []proto.Stage {
	return stageTransitions[from]
}

// IsValidTransition checks whether from -> to is an edge in the stage graph.
func IsValidTransition(from, to proto.Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStage reports whether the stage ends the workflow.
func IsTerminalStage(stage proto.Stage) bool {
	return stage == StageCompleted || stage == StageFailed
}

// IsReviewStage reports whether the stage is a human review gate.
func IsReviewStage(stage proto.Stage) bool {
	_, ok := reviewSources[stage]
	return ok
}

// ReviewSource returns the stage whose artifact a review gate inspects.
func ReviewSource(gate proto.Stage) (proto.Stage, bool) {
	src, ok := reviewSources[gate]
	return src, ok
}

// forwardStage returns the approval successor of a review gate: the first
// transition target that is not the rejection loop-back or failed.
func forwardStage(gate proto.Stage) proto.Stage {
	src := reviewSources[gate]
	for _, next := range stageTransitions[gate] {
		if next != src && next != StageFailed {
			return next
		}
	}
	return StageFailed
}
