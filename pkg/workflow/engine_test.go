package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/proto"
	"blueprint/pkg/store"
)

// fakeRouter fills JSON destinations with canned payloads and records every
// prompt it sees.
type fakeRouter struct {
	Prompts   []string
	InvokeErr error
	JSONErr   error
	JSONErrsN int // fail the first N InvokeJSON calls
	jsonCalls int
	DesignDoc string
}

func (f *fakeRouter) Invoke(ctx context.Context, _ string, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err
	}
	f.record(req)
	if f.InvokeErr != nil {
		return llm.CompletionResponse{}, f.InvokeErr
	}
	return llm.CompletionResponse{Content: "generated architecture summary", Model: "fake"}, nil
}

func (f *fakeRouter) InvokeJSON(ctx context.Context, _ string, req llm.CompletionRequest, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record(req)
	f.jsonCalls++
	if f.JSONErr != nil && f.jsonCalls <= f.JSONErrsN {
		return f.JSONErr
	}

	switch d := dest.(type) {
	case *parsedRequirements:
		d.Functional = []proto.Requirement{{ID: "FR-1", Title: "Users can export invoices"}}
		d.NonFunctional = []proto.Requirement{{ID: "NFR-1", Title: "Exports finish within 5 minutes"}}
		d.Assumptions = []string{"single region"}
	case *proto.IntegrationDesign:
		doc := f.DesignDoc
		if doc == "" {
			doc = "integration design document"
		}
		d.Document = doc
		d.Strategy = "extend the export service"
	case *proto.ImplementationPlan:
		d.Document = "implementation plan document"
		d.Phases = []proto.PlanPhase{{Name: "phase 1", Goal: "ship exports"}}
	default:
		return fmt.Errorf("unexpected destination type %T", dest)
	}
	return nil
}

func (f *fakeRouter) record(req llm.CompletionRequest) {
	for _, m := range req.Messages {
		if m.Role == llm.RoleUser {
			f.Prompts = append(f.Prompts, m.Content)
		}
	}
}

func testInput(t *testing.T) WorkflowInput {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))

	reqPath := filepath.Join(t.TempDir(), "requirements.md")
	doc := `## Functional
- [FR-1] Users can export invoices
## Non-Functional
- [NFR-1] Exports finish within 5 minutes
`
	require.NoError(t, os.WriteFile(reqPath, []byte(doc), 0o644))

	return WorkflowInput{
		ProjectID:        "billing-service",
		RepoURL:          repo,
		Branch:           "main",
		RequirementsPath: reqPath,
	}
}

func newTestEngine(t *testing.T, st store.Store, rt ModelRouter, wf config.WorkflowConfig) *Engine {
	t.Helper()
	if wf.MaxRevisions == 0 {
		wf.MaxRevisions = 3
	}
	eng, err := NewEngine(Deps{Store: st, Router: rt, Workflow: wf})
	require.NoError(t, err)
	return eng
}

func runToGate(t *testing.T, eng *Engine, gate proto.Stage) {
	t.Helper()
	require.NoError(t, eng.Run(context.Background()))
	require.Equal(t, gate, eng.State().CurrentStage)
}

func TestEngineHappyPath(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, &fakeRouter{}, config.WorkflowConfig{})

	st, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	require.NotEmpty(t, st.SessionID)
	assert.Equal(t, StageAnalyzeExisting, st.CurrentStage)

	runToGate(t, eng, StageReviewRequirements)
	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalApproved, "looks right", "alex"))

	runToGate(t, eng, StageReviewIntegration)
	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalApproved, "", "alex"))

	require.NoError(t, eng.Run(ctx))
	assert.True(t, st.IsComplete())

	for _, stage := range []proto.Stage{
		StageAnalyzeExisting, StageParseRequirements,
		StageDesignIntegration, StageGeneratePlan, StageFinalize,
	} {
		_, ok := st.Artifact(stage)
		assert.True(t, ok, "missing artifact for %s", stage)
	}

	bundleArt, _ := st.Artifact(StageFinalize)
	bundle, err := bundleArt.ExtractFinalBundle()
	require.NoError(t, err)
	assert.Contains(t, bundle.Document, "billing-service")
	assert.Contains(t, bundle.Document, "integration design document")
	assert.Contains(t, bundle.Document, "Review History")

	// Every transition was durably checkpointed
	cp, err := mem.LoadCheckpoint(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted.String(), cp.Stage)
}

func TestEngineRevisionLoop(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRouter{}
	eng := newTestEngine(t, store.NewMemoryStore(), rt, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalNeedsRevision, "missing the audit requirement", "sam"))
	assert.Equal(t, StageParseRequirements, eng.State().CurrentStage)
	assert.Equal(t, 1, eng.State().RevisionCounts[StageReviewRequirements])

	runToGate(t, eng, StageReviewRequirements)
	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalApproved, "better", "sam"))

	st := eng.State()
	require.Len(t, st.FeedbackHistory, 2)
	assert.Equal(t, proto.ApprovalNeedsRevision, st.FeedbackHistory[0].Decision)
	assert.Equal(t, proto.ApprovalApproved, st.FeedbackHistory[1].Decision)

	// The regenerated artifact is a new revision
	art, ok := st.Artifact(StageParseRequirements)
	require.True(t, ok)
	assert.Equal(t, 1, art.Revision)

	// Reviewer feedback was fed into the regeneration prompt
	var found bool
	for _, p := range rt.Prompts {
		if strings.Contains(p, "missing the audit requirement") {
			found = true
		}
	}
	assert.True(t, found, "regeneration prompt did not include reviewer feedback")
}

func TestEngineRevisionLoopRecordsStagesOnce(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalNeedsRevision, "tighten the scope", "sam"))
	runToGate(t, eng, StageReviewRequirements)
	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalNeedsRevision, "still too broad", "sam"))
	runToGate(t, eng, StageReviewRequirements)

	// Two loop-backs revisited parse_requirements and its gate, but each
	// stage shows up exactly once, in first-visit order.
	assert.Equal(t, []proto.Stage{
		StageAnalyzeExisting, StageParseRequirements, StageReviewRequirements,
	}, eng.State().CompletedStages)
}

func TestEngineMaxRevisionsFailClosed(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{MaxRevisions: 1})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	require.NoError(t, eng.SubmitReview(ctx, proto.ApprovalRejected, "no", "sam"))
	runToGate(t, eng, StageReviewRequirements)

	err = eng.SubmitReview(ctx, proto.ApprovalRejected, "still no", "sam")
	require.Error(t, err)
	assert.True(t, IsMaxRevisionsExceeded(err))

	st := eng.State()
	assert.True(t, st.IsFailed())
	assert.NotEmpty(t, st.FailureReason)
	// The rejection itself is still on the record
	assert.Len(t, st.FeedbackHistory, 2)
}

func TestEngineInvalidReviewDecisionRejected(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	err = eng.SubmitReview(ctx, proto.ApprovalStatus("maybe"), "", "sam")
	assert.Error(t, err)
}

func TestEngineReviewOutsideGateRejected(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)

	err = eng.SubmitReview(ctx, proto.ApprovalApproved, "", "sam")
	assert.Error(t, err)
}

func TestEngineCheckpointFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)

	mem.FailNextSave = errors.New("disk full")
	err = eng.Step(ctx)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	// The in-memory stage did not run ahead of the durable record
	assert.Equal(t, StageAnalyzeExisting, eng.State().CurrentStage)

	// The failure is transient: the next step succeeds
	require.NoError(t, eng.Step(ctx))
	assert.Equal(t, StageParseRequirements, eng.State().CurrentStage)
}

func TestEngineResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, &fakeRouter{}, config.WorkflowConfig{})

	st, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	// A fresh engine resumes exactly at the last checkpoint
	resumed := newTestEngine(t, mem, &fakeRouter{}, config.WorkflowConfig{})
	rst, err := resumed.ResumeSession(ctx, st.SessionID)
	require.NoError(t, err)

	assert.Equal(t, StageReviewRequirements, rst.CurrentStage)
	assert.Equal(t, st.Input, rst.Input)
	_, ok := rst.Artifact(StageParseRequirements)
	assert.True(t, ok)

	// And can run through to completion
	require.NoError(t, resumed.SubmitReview(ctx, proto.ApprovalApproved, "", "sam"))
	runToGate(t, resumed, StageReviewIntegration)
	require.NoError(t, resumed.SubmitReview(ctx, proto.ApprovalApproved, "", "sam"))
	require.NoError(t, resumed.Run(ctx))
	assert.True(t, rst.IsComplete())
}

func TestEngineResumeUnknownSession(t *testing.T) {
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})
	_, err := eng.ResumeSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnginePreconditionFailsStage(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})

	input := testInput(t)
	input.RepoURL = ""
	_, err := eng.StartSession(ctx, input)
	require.NoError(t, err)

	err = eng.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
	assert.True(t, eng.State().IsFailed())
	assert.NotEmpty(t, eng.State().Errors)
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRouter{
		JSONErr:   llm.NewError(llm.ErrorTypeRateLimit, "rate limited"),
		JSONErrsN: 2,
	}
	eng := newTestEngine(t, store.NewMemoryStore(), rt, config.WorkflowConfig{
		StageMaxRetries:   2,
		StageRetryDelayMS: 1,
	})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)

	// analyze succeeds, parse fails twice with a retryable error and then
	// succeeds on the third attempt
	require.NoError(t, eng.Run(ctx))
	assert.Equal(t, StageReviewRequirements, eng.State().CurrentStage)
}

func TestEngineDoesNotRetryMalformedOutput(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRouter{
		JSONErr:   llm.NewMalformedOutputError(nil, "still not JSON"),
		JSONErrsN: 100,
	}
	eng := newTestEngine(t, store.NewMemoryStore(), rt, config.WorkflowConfig{
		StageMaxRetries:   3,
		StageRetryDelayMS: 1,
	})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)

	err = eng.Run(ctx)
	require.Error(t, err)
	assert.True(t, eng.State().IsFailed())
	// One attempt for analyze (succeeded), one for parse (failed, no retry)
	assert.Equal(t, 1, rt.jsonCalls)
}

func TestEngineCancellationSkipsCheckpoint(t *testing.T) {
	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(context.Background(), testInput(t))
	require.NoError(t, err)
	savesAfterStart := mem.SaveCount

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = eng.Step(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// No checkpoint was written and the stage did not move
	assert.Equal(t, savesAfterStart, mem.SaveCount)
	assert.Equal(t, StageAnalyzeExisting, eng.State().CurrentStage)
}

func TestEngineStepIsNoOpAtGateAndTerminal(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, store.NewMemoryStore(), &fakeRouter{}, config.WorkflowConfig{})

	_, err := eng.StartSession(ctx, testInput(t))
	require.NoError(t, err)
	runToGate(t, eng, StageReviewRequirements)

	require.NoError(t, eng.Step(ctx))
	assert.Equal(t, StageReviewRequirements, eng.State().CurrentStage)
}
