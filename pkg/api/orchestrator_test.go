package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/proto"
	"blueprint/pkg/router"
	"blueprint/pkg/store"
	"blueprint/pkg/workflow"
)

func newTestOrchestrator(t *testing.T, mem *store.MemoryStore, generatorTexts, validatorTexts []string) (*Orchestrator, *llm.MockClient, *llm.MockClient) {
	t.Helper()

	generator := llm.NewMockClientWithText("mock-generator", generatorTexts...)
	validator := llm.NewMockClientWithText("mock-validator", validatorTexts...)

	orch, err := NewOrchestrator(OrchestratorOptions{
		Config: testConfig(),
		Store:  mem,
		RouterFactory: func(opts router.Options) *router.Router {
			opts.Factory = func(ref config.ModelRef) (llm.LLMClient, error) {
				switch ref.Model {
				case "mock-generator":
					return generator, nil
				case "mock-validator":
					return validator, nil
				default:
					return nil, fmt.Errorf("unexpected model %s", ref.Model)
				}
			}
			return router.New(opts)
		},
	})
	require.NoError(t, err)
	return orch, generator, validator
}

func testWorkflowInput(t *testing.T) workflow.WorkflowInput {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))

	reqPath := filepath.Join(t.TempDir(), "requirements.md")
	require.NoError(t, os.WriteFile(reqPath, []byte("## Functional\n- [FR-1] Export invoices\n"), 0o644))

	return workflow.WorkflowInput{
		ProjectID:        "billing",
		RepoURL:          repo,
		RequirementsPath: reqPath,
	}
}

func scoreJSON(v float64) string {
	return fmt.Sprintf(`{"completeness":%.2f,"consistency":%.2f,"accuracy":%.2f,"relevance":%.2f,"confidence":0.9}`, v, v, v, v)
}

func TestConcurrentStatusSharesOneSessionEngine(t *testing.T) {
	mem := store.NewMemoryStore()
	seed, _, _ := newTestOrchestrator(t, mem, pipelineResponses(), nil)
	st, err := seed.StartWorkflow(context.Background(), testWorkflowInput(t))
	require.NoError(t, err)

	// A fresh orchestrator has no cached engine, so these status reads
	// race to load the session cold.
	orch, _, _ := newTestOrchestrator(t, mem, nil, nil)

	const n = 8
	states := make([]*workflow.State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := orch.GetStatus(context.Background(), st.SessionID)
			assert.NoError(t, err)
			states[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, states[0], states[i], "cold session loaded more than one engine")
	}
	assert.Equal(t, workflow.StageReviewRequirements, states[0].CurrentStage)
}

func TestAnsweredQuestionsJoinsQuestionText(t *testing.T) {
	st := workflow.NewState("sess-1", workflow.WorkflowInput{ProjectID: "p"})
	st.Questions = []proto.Question{
		{ID: "q1", Text: "Which regions must exports cover?"},
		{ID: "q2", Text: "Is PDF output required?"},
	}
	st.Answers = []proto.Answer{
		{QuestionID: "q2", Text: "yes, PDF and CSV"},
		{QuestionID: "gone", Text: "orphaned answer"},
	}

	got := answeredQuestions(st)
	require.Len(t, got, 1)
	assert.Equal(t, "Is PDF output required?", got[0].Question)
	assert.Equal(t, "yes, PDF and CSV", got[0].Answer)
}

func TestRefineCarriesAnswersIntoRefinerPrompt(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	generatorTexts := append(pipelineResponses()[:2], "requirements doc revised for regions")
	orch, generator, _ := newTestOrchestrator(t, mem, generatorTexts,
		[]string{scoreJSON(0.4), scoreJSON(0.5), scoreJSON(0.9)})

	st, err := orch.StartWorkflow(ctx, testWorkflowInput(t))
	require.NoError(t, err)
	require.Equal(t, workflow.StageReviewRequirements, st.CurrentStage)

	// A sub-threshold assessment generates clarification questions
	result, qs, err := orch.RefineArtifact(ctx, st.SessionID, workflow.StageParseRequirements, "validation_only")
	require.NoError(t, err)
	require.False(t, result.MetThreshold)
	require.NotEmpty(t, qs)

	require.NoError(t, orch.SubmitAnswers(ctx, st.SessionID, []proto.Answer{
		{QuestionID: qs[0].ID, Text: "exports must cover the EU and US regions"},
	}))

	result, _, err = orch.RefineArtifact(ctx, st.SessionID, workflow.StageParseRequirements, "iterative_improvement")
	require.NoError(t, err)
	assert.True(t, result.MetThreshold)

	// The improvement prompt quoted the recorded answer back to the model
	var found bool
	for _, req := range generator.Requests {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "exports must cover the EU and US regions") {
				found = true
			}
		}
	}
	assert.True(t, found, "refiner prompt did not include the submitted answer")
}
