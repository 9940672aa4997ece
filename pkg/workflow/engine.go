package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/logx"
	"blueprint/pkg/proto"
	"blueprint/pkg/store"
)

// Deps carries the engine's collaborators. Store and Router are required;
// the rest default sensibly.
type Deps struct {
	Store     store.Store
	Router    ModelRouter
	Parser    DocumentParser
	Analyzer  RepositoryAnalyzer
	Knowledge KnowledgeBase
	Recorder  TransitionRecorder
	Workflow  config.WorkflowConfig
}

// Engine drives one workflow session through the stage graph. Each stage
// completion follows the same contract: do the work, checkpoint the result,
// then report success. A failure to checkpoint is reported as a
// PersistenceError even though the work itself finished.
type Engine struct {
	st        store.Store
	router    ModelRouter
	parser    DocumentParser
	analyzer  RepositoryAnalyzer
	knowledge KnowledgeBase
	recorder  TransitionRecorder
	cfg       config.WorkflowConfig
	logger    *logx.Logger

	state    *State
	handlers map[proto.Stage]StageHandler
}

// NewEngine creates an engine with no session attached. Call StartSession
// or ResumeSession before Run.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine requires a checkpoint store")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("engine requires a model router")
	}
	if deps.Parser == nil {
		deps.Parser = &FileDocumentParser{}
	}
	if deps.Analyzer == nil {
		deps.Analyzer = &FSRepositoryAnalyzer{}
	}
	if deps.Workflow.MaxRevisions < 1 {
		deps.Workflow.MaxRevisions = 3
	}
	if deps.Workflow.StageMaxRetries < 0 {
		deps.Workflow.StageMaxRetries = 0
	}
	if deps.Workflow.StageRetryDelayMS <= 0 {
		deps.Workflow.StageRetryDelayMS = 500
	}

	e := &Engine{
		st:        deps.Store,
		router:    deps.Router,
		parser:    deps.Parser,
		analyzer:  deps.Analyzer,
		knowledge: deps.Knowledge,
		recorder:  deps.Recorder,
		cfg:       deps.Workflow,
		logger:    logx.NewLogger("engine"),
	}
	e.handlers = map[proto.Stage]StageHandler{
		StageAnalyzeExisting:   e.handleAnalyzeExisting,
		StageParseRequirements: e.handleParseRequirements,
		StageDesignIntegration: e.handleDesignIntegration,
		StageGeneratePlan:      e.handleGeneratePlan,
		StageFinalize:          e.handleFinalize,
	}
	return e, nil
}

// StartSession creates and checkpoints a fresh session.
func (e *Engine) StartSession(ctx context.Context, input WorkflowInput) (*State, error) {
	if input.ProjectID == "" {
		return nil, NewPreconditionError(StageAnalyzeExisting, "project ID")
	}

	e.state = NewState(uuid.NewString(), input)
	if err := e.checkpoint(ctx); err != nil {
		e.state = nil
		return nil, err
	}
	e.logger.Info("session %s started for project %s", e.state.SessionID, input.ProjectID)
	return e.state, nil
}

// ResumeSession loads a checkpointed session. The engine picks up exactly
// where the last completed checkpoint left off; work after that checkpoint
// never happened as far as resume is concerned.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (*State, error) {
	cp, err := e.st.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no checkpoint for session %s: %w", sessionID, err)
		}
		return nil, NewPersistenceError("load", err)
	}

	var st State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, NewPersistenceError("decode", err)
	}
	if st.Artifacts == nil {
		st.Artifacts = make(map[proto.Stage]*proto.StageArtifact)
	}
	if st.RevisionCounts == nil {
		st.RevisionCounts = make(map[proto.Stage]int)
	}

	e.state = &st
	e.logger.Info("session %s resumed at stage %s", sessionID, st.CurrentStage)
	return e.state, nil
}

// State returns the engine's current session state, or nil.
func (e *Engine) State() *State {
	return e.state
}

// Run advances the session until it parks at a review gate, completes,
// or fails. Cancellation stops work without a checkpoint; the session
// resumes from the last completed stage.
func (e *Engine) Run(ctx context.Context) error {
	if e.state == nil {
		return fmt.Errorf("no session attached - call StartSession or ResumeSession")
	}

	for !IsTerminalStage(e.state.CurrentStage) && !e.state.AwaitingReview() {
		if err := e.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step executes the current stage once: run the handler (with bounded
// retries for retryable failures), store the artifact, transition, and
// checkpoint. At a review gate or terminal stage, Step is a no-op.
func (e *Engine) Step(ctx context.Context) error {
	st := e.state
	stage := st.CurrentStage

	if IsTerminalStage(stage) || IsReviewStage(stage) {
		return nil
	}

	handler, ok := e.handlers[stage]
	if !ok {
		return fmt.Errorf("no handler registered for stage %s", stage)
	}

	artifact, err := e.runWithRetries(ctx, stage, handler)
	if err != nil {
		// Cancellation is not a stage failure: no checkpoint, no
		// transition, resume repeats the stage.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		st.RecordError(stage, err.Error())
		st.FailureReason = err.Error()
		if ferr := e.transitionTo(ctx, StageFailed); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}

	st.SetArtifact(stage, artifact)
	next := nextForward(stage)
	if err := e.transitionTo(ctx, next); err != nil {
		return err
	}

	// Knowledge indexing is best-effort and happens after the checkpoint
	// so an index failure can never lose completed work.
	if e.knowledge != nil {
		if kerr := e.knowledge.IndexArtifact(ctx, st.SessionID, stage, artifact); kerr != nil {
			st.RecordWarning(stage, fmt.Sprintf("knowledge indexing failed: %v", kerr))
		}
	}

	return nil
}

// runWithRetries executes a handler, retrying transient failures with
// exponential backoff. Precondition and malformed-output failures are
// permanent.
func (e *Engine) runWithRetries(ctx context.Context, stage proto.Stage, handler StageHandler) (*proto.StageArtifact, error) {
	var lastErr error
	delay := time.Duration(e.cfg.StageRetryDelayMS) * time.Millisecond

	for attempt := 0; attempt <= e.cfg.StageMaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("stage %s retry %d/%d after error: %v", stage, attempt, e.cfg.StageMaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		artifact, err := handler(ctx, e.state)
		if err == nil {
			return artifact, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if IsPrecondition(err) || llm.IsMalformedOutput(err) {
			return nil, err
		}
		if !llm.ShouldRetry(err) && !llm.IsUnavailable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("stage %s failed after %d attempts: %w", stage, e.cfg.StageMaxRetries+1, lastErr)
}

// SubmitReview records a human decision at the current review gate.
// Approval advances the workflow; rejection or needs_revision loops back
// to the producing stage, bounded by the configured revision limit.
// Exceeding the limit fails the workflow closed.
func (e *Engine) SubmitReview(ctx context.Context, decision proto.ApprovalStatus, comment, reviewer string) error {
	st := e.state
	if st == nil {
		return fmt.Errorf("no session attached")
	}
	gate := st.CurrentStage
	if !IsReviewStage(gate) {
		return fmt.Errorf("session %s is at stage %s, not a review gate", st.SessionID, gate)
	}

	st.AddFeedback(proto.FeedbackEntry{
		Stage:     gate,
		Decision:  decision,
		Comment:   comment,
		Reviewer:  reviewer,
		Timestamp: time.Now().UTC(),
	})

	switch decision {
	case proto.ApprovalApproved:
		return e.transitionTo(ctx, forwardStage(gate))

	case proto.ApprovalRejected, proto.ApprovalNeedsRevision:
		count := st.RevisionCounts[gate] + 1
		if count > e.cfg.MaxRevisions {
			revErr := &MaxRevisionsExceededError{Gate: gate, Revisions: count, Limit: e.cfg.MaxRevisions}
			st.RecordError(gate, revErr.Error())
			st.FailureReason = revErr.Error()
			if err := e.transitionTo(ctx, StageFailed); err != nil {
				return errors.Join(revErr, err)
			}
			return revErr
		}
		st.RevisionCounts[gate] = count

		source, _ := ReviewSource(gate)
		return e.transitionTo(ctx, source)

	default:
		return fmt.Errorf("invalid review decision: %q", decision)
	}
}

// ReplaceArtifact swaps in a refined artifact for a producing stage and
// checkpoints. Used when refinement improves a stored artifact.
func (e *Engine) ReplaceArtifact(ctx context.Context, stage proto.Stage, artifact *proto.StageArtifact) error {
	if e.state == nil {
		return fmt.Errorf("no session attached")
	}
	if _, ok := e.state.Artifact(stage); !ok {
		return NewPreconditionError(stage, "existing artifact to replace")
	}
	e.state.SetArtifact(stage, artifact)
	return e.checkpoint(ctx)
}

// AddQuestions appends generated questions to the session and checkpoints.
func (e *Engine) AddQuestions(ctx context.Context, questions []proto.Question) error {
	if e.state == nil {
		return fmt.Errorf("no session attached")
	}
	e.state.Questions = append(e.state.Questions, questions...)
	return e.checkpoint(ctx)
}

// AddAnswers appends human answers to the session and checkpoints.
func (e *Engine) AddAnswers(ctx context.Context, answers []proto.Answer) error {
	if e.state == nil {
		return fmt.Errorf("no session attached")
	}
	e.state.Answers = append(e.state.Answers, answers...)
	return e.checkpoint(ctx)
}

// transitionTo validates the edge, moves the session, and checkpoints.
// The checkpoint IS the transition: if it fails, the in-memory stage is
// rolled back so state never runs ahead of what was durably recorded.
// A stage revisited through a rejection loop is recorded once, in
// first-visit order.
func (e *Engine) transitionTo(ctx context.Context, to proto.Stage) error {
	st := e.state
	from := st.CurrentStage

	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	st.CurrentStage = to
	recorded := false
	if !slices.Contains(st.CompletedStages, from) {
		st.CompletedStages = append(st.CompletedStages, from)
		recorded = true
	}
	st.UpdatedAt = time.Now().UTC()

	if err := e.checkpoint(ctx); err != nil {
		st.CurrentStage = from
		if recorded {
			st.CompletedStages = st.CompletedStages[:len(st.CompletedStages)-1]
		}
		return err
	}

	if e.recorder != nil {
		e.recorder.IncStageTransition(from.String(), to.String())
	}
	e.logger.Info("session %s: %s -> %s", st.SessionID, from, to)
	return nil
}

// checkpoint durably records the full session state.
func (e *Engine) checkpoint(ctx context.Context) error {
	data, err := json.Marshal(e.state)
	if err != nil {
		return NewPersistenceError("encode", err)
	}
	cp := &store.Checkpoint{
		SessionID: e.state.SessionID,
		ProjectID: e.state.Input.ProjectID,
		Stage:     e.state.CurrentStage.String(),
		State:     data,
	}
	if err := e.st.SaveCheckpoint(ctx, cp); err != nil {
		return NewPersistenceError("save", err)
	}
	return nil
}

// nextForward returns a producing stage's success successor: its first
// transition target that is not failed.
func nextForward(stage proto.Stage) proto.Stage {
	for _, next := range ValidNextStages(stage) {
		if next != StageFailed {
			return next
		}
	}
	return StageFailed
}
