package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueprint/pkg/proto"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  proto.Stage
		to    proto.Stage
		valid bool
	}{
		{"analyze to parse", StageAnalyzeExisting, StageParseRequirements, true},
		{"parse to review", StageParseRequirements, StageReviewRequirements, true},
		{"review approves forward", StageReviewRequirements, StageDesignIntegration, true},
		{"review loops back", StageReviewRequirements, StageParseRequirements, true},
		{"design to review", StageDesignIntegration, StageReviewIntegration, true},
		{"integration review approves forward", StageReviewIntegration, StageGeneratePlan, true},
		{"integration review loops back", StageReviewIntegration, StageDesignIntegration, true},
		{"plan to finalize", StageGeneratePlan, StageFinalize, true},
		{"finalize to completed", StageFinalize, StageCompleted, true},
		{"any stage to failed", StageDesignIntegration, StageFailed, true},
		{"no skipping review", StageParseRequirements, StageDesignIntegration, false},
		{"no backward jump", StageGeneratePlan, StageAnalyzeExisting, false},
		{"completed is terminal", StageCompleted, StageAnalyzeExisting, false},
		{"failed is terminal", StageFailed, StageAnalyzeExisting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestEveryNonTerminalStageCanFail(t *testing.T) {
	for _, stage := range AllStages() {
		if IsTerminalStage(stage) {
			continue
		}
		assert.True(t, IsValidTransition(stage, StageFailed), "stage %s cannot reach failed", stage)
	}
}

func TestTerminalStagesHaveNoSuccessors(t *testing.T) {
	assert.Empty(t, ValidNextStages(StageCompleted))
	assert.Empty(t, ValidNextStages(StageFailed))
}

func TestReviewStageHelpers(t *testing.T) {
	assert.True(t, IsReviewStage(StageReviewRequirements))
	assert.True(t, IsReviewStage(StageReviewIntegration))
	assert.False(t, IsReviewStage(StageParseRequirements))

	src, ok := ReviewSource(StageReviewRequirements)
	require.True(t, ok)
	assert.Equal(t, StageParseRequirements, src)

	src, ok = ReviewSource(StageReviewIntegration)
	require.True(t, ok)
	assert.Equal(t, StageDesignIntegration, src)

	_, ok = ReviewSource(StageGeneratePlan)
	assert.False(t, ok)
}

func TestForwardStage(t *testing.T) {
	assert.Equal(t, StageDesignIntegration, forwardStage(StageReviewRequirements))
	assert.Equal(t, StageGeneratePlan, forwardStage(StageReviewIntegration))
}

func TestNextForward(t *testing.T) {
	assert.Equal(t, StageParseRequirements, nextForward(StageAnalyzeExisting))
	assert.Equal(t, StageReviewRequirements, nextForward(StageParseRequirements))
	assert.Equal(t, StageCompleted, nextForward(StageFinalize))
}

func TestValidateStage(t *testing.T) {
	for _, stage := range AllStages() {
		assert.NoError(t, ValidateStage(stage))
	}
	assert.Error(t, ValidateStage(proto.Stage("nonexistent")))
}
