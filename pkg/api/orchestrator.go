// Package api exposes the workflow engine, refinement engine, and question
// generator behind one facade and an HTTP surface.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blueprint/pkg/config"
	"blueprint/pkg/logx"
	"blueprint/pkg/metrics"
	"blueprint/pkg/proto"
	"blueprint/pkg/questions"
	"blueprint/pkg/refine"
	"blueprint/pkg/router"
	"blueprint/pkg/store"
	"blueprint/pkg/workflow"
)

// SessionLabels is a metrics.LabelProvider that tracks whichever session
// the orchestrator is currently operating on. The router's metrics
// middleware is built once, so labels have to be mutable.
type SessionLabels struct {
	mu        sync.RWMutex
	sessionID string
	stage     string
}

// Set points the labels at a session and stage.
func (l *SessionLabels) Set(sessionID, stage string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = sessionID
	l.stage = stage
}

// GetSessionID implements metrics.LabelProvider.
func (l *SessionLabels) GetSessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

// GetStage implements metrics.LabelProvider.
func (l *SessionLabels) GetStage() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stage
}

// sessionHandle serializes all operations on one session. Its lock is
// held across an entire operation, so stages of one session never run
// concurrently; eng is loaded lazily under that lock.
type sessionHandle struct {
	mu  sync.Mutex
	eng *workflow.Engine
}

// Orchestrator coordinates workflow sessions, refinement runs, and
// question generation over a shared store and model router.
type Orchestrator struct {
	cfg       config.Config
	store     store.Store
	router    *router.Router
	refiner   *refine.Engine
	questions *questions.Generator
	knowledge workflow.KnowledgeBase
	recorder  metrics.Recorder
	usage     *metrics.QueryService
	labels    *SessionLabels
	logger    *logx.Logger

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

// OrchestratorOptions configures a new Orchestrator. Store is required;
// nil Knowledge disables artifact indexing and nil Recorder disables
// metrics.
type OrchestratorOptions struct {
	Config    config.Config
	Store     store.Store
	Knowledge workflow.KnowledgeBase
	Recorder  metrics.Recorder

	// RouterFactory overrides router construction, for tests.
	RouterFactory func(opts router.Options) *router.Router
}

// NewOrchestrator wires the engines together from configuration.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a checkpoint store")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	if opts.RouterFactory == nil {
		opts.RouterFactory = router.New
	}

	labels := &SessionLabels{}
	rt := opts.RouterFactory(router.Options{
		Models:         opts.Config.Models,
		Ollama:         opts.Config.Ollama,
		RequestTimeout: time.Duration(opts.Config.Workflow.RequestTimeoutSec) * time.Second,
		Recorder:       opts.Recorder,
		Labels:         labels,
	})

	logger := logx.NewLogger("orchestrator")

	var usage *metrics.QueryService
	if url := opts.Config.Metrics.PrometheusURL; url != "" {
		var err error
		usage, err = metrics.NewQueryService(url)
		if err != nil {
			logger.Warn("usage queries disabled: %v", err)
		}
	}

	return &Orchestrator{
		cfg:       opts.Config,
		store:     opts.Store,
		router:    rt,
		usage:     usage,
		refiner:   refine.NewEngine(rt, opts.Config.Refinement, opts.Recorder),
		questions: questions.NewGenerator(opts.Config.Refinement.QualityThreshold),
		knowledge: opts.Knowledge,
		recorder:  opts.Recorder,
		labels:    labels,
		logger:    logger,
		sessions:  make(map[string]*sessionHandle),
	}, nil
}

// StartWorkflow starts a new session and runs it forward until it parks
// at a review gate, completes, or fails.
func (o *Orchestrator) StartWorkflow(ctx context.Context, input workflow.WorkflowInput) (*workflow.State, error) {
	eng, err := o.newEngine()
	if err != nil {
		return nil, err
	}

	st, err := eng.StartSession(ctx, input)
	if err != nil {
		return nil, err
	}

	h := o.handleFor(st.SessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eng = eng

	return o.advance(ctx, eng)
}

// ResumeWorkflow reloads a checkpointed session and runs it forward.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, sessionID string) (*workflow.State, error) {
	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return o.advance(ctx, h.eng)
}

// GetStatus returns the current state of a session.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) (*workflow.State, error) {
	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.eng.State(), nil
}

// SubmitReview applies a human review decision and, on approval or
// loop-back, runs the workflow forward to its next stopping point.
func (o *Orchestrator) SubmitReview(ctx context.Context, sessionID, decision, comment, reviewer string) (*workflow.State, error) {
	status, err := proto.ParseApprovalStatus(decision)
	if err != nil {
		return nil, err
	}

	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	eng := h.eng

	o.labels.Set(sessionID, eng.State().CurrentStage.String())
	if err := eng.SubmitReview(ctx, status, comment, reviewer); err != nil {
		return eng.State(), err
	}
	return o.advance(ctx, eng)
}

// RefineArtifact refines a stored artifact with the given strategy (empty
// means the configured default), replaces it on success, and generates
// clarification questions when the refined quality still misses the
// threshold.
func (o *Orchestrator) RefineArtifact(ctx context.Context, sessionID string, stage proto.Stage, strategy string) (*refine.Result, []proto.Question, error) {
	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer h.mu.Unlock()
	eng := h.eng

	if strategy == "" {
		strategy = o.cfg.Refinement.Strategy
	}
	strat, err := refine.ParseStrategy(strategy)
	if err != nil {
		return nil, nil, err
	}

	st := eng.State()
	artifact, ok := st.Artifact(stage)
	if !ok {
		return nil, nil, fmt.Errorf("session %s has no artifact for stage %s", sessionID, stage)
	}

	o.labels.Set(sessionID, stage.String())
	result, err := o.refiner.Refine(ctx, strat, artifact, briefFor(stage), answeredQuestions(st))
	if err != nil {
		return nil, nil, err
	}

	// validation_only hands back the original text untouched; replacing
	// it would just bump the revision for nothing.
	if strat != refine.StrategyValidationOnly {
		if err := eng.ReplaceArtifact(ctx, stage, result.Artifact); err != nil {
			return nil, nil, err
		}
	}

	var qs []proto.Question
	if !result.MetThreshold {
		qs = o.questions.FromScore(result.Quality, briefFor(stage))
		if len(qs) > 0 {
			if err := eng.AddQuestions(ctx, qs); err != nil {
				return nil, nil, err
			}
		}
	}

	return result, qs, nil
}

// GetQuestions returns all questions generated for a session.
func (o *Orchestrator) GetQuestions(ctx context.Context, sessionID string) ([]proto.Question, error) {
	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.eng.State().Questions, nil
}

// SubmitAnswers records human answers against a session's questions. The
// answers feed the next refinement run as additional context.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, sessionID string, answers []proto.Answer) error {
	h, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()
	eng := h.eng

	known := make(map[string]bool, len(eng.State().Questions))
	for i := range eng.State().Questions {
		known[eng.State().Questions[i].ID] = true
	}
	now := time.Now().UTC()
	for i := range answers {
		if !known[answers[i].QuestionID] {
			return fmt.Errorf("unknown question ID: %s", answers[i].QuestionID)
		}
		if answers[i].AnsweredAt.IsZero() {
			answers[i].AnsweredAt = now
		}
	}

	return eng.AddAnswers(ctx, answers)
}

// ListSessions returns summaries of every stored session.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	return o.store.ListSessions(ctx)
}

// DeleteSession removes a session's checkpoint and drops its engine.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	h := o.handleFor(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	return o.store.DeleteSession(ctx, sessionID)
}

// SessionUsage returns aggregated LLM token and request counts for one
// session, queried back out of Prometheus. Requires metrics.prometheus_url
// to be configured.
func (o *Orchestrator) SessionUsage(ctx context.Context, sessionID string) (*metrics.SessionMetrics, map[string]*metrics.SessionMetrics, error) {
	if o.usage == nil {
		return nil, nil, fmt.Errorf("usage queries are not configured: set metrics.prometheus_url")
	}
	if _, err := o.store.LoadCheckpoint(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	totals, err := o.usage.GetSessionMetrics(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	byModel, err := o.usage.GetSessionMetricsByModel(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return totals, byModel, nil
}

// advance runs the engine to its next stopping point, keeping the metrics
// labels pointed at the executing stage.
func (o *Orchestrator) advance(ctx context.Context, eng *workflow.Engine) (*workflow.State, error) {
	st := eng.State()
	for !workflow.IsTerminalStage(st.CurrentStage) && !st.AwaitingReview() {
		o.labels.Set(st.SessionID, st.CurrentStage.String())
		if err := eng.Step(ctx); err != nil {
			return st, err
		}
	}
	return st, nil
}

// handleFor returns the session's handle, creating an empty one on first
// access. o.mu guards only the handle map, never session work.
func (o *Orchestrator) handleFor(sessionID string) *sessionHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.sessions[sessionID]
	if !ok {
		h = &sessionHandle{}
		o.sessions[sessionID] = h
	}
	return h
}

// lockSession acquires a session's handle and ensures its engine is
// loaded, resuming from the store on first access. Loading under the
// handle lock means a cold session is resumed exactly once no matter how
// many requests race for it. The caller must unlock the handle.
func (o *Orchestrator) lockSession(ctx context.Context, sessionID string) (*sessionHandle, error) {
	h := o.handleFor(sessionID)
	h.mu.Lock()
	if h.eng != nil {
		return h, nil
	}

	eng, err := o.newEngine()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if _, err := eng.ResumeSession(ctx, sessionID); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.eng = eng
	return h, nil
}

func (o *Orchestrator) newEngine() (*workflow.Engine, error) {
	var recorder workflow.TransitionRecorder
	if o.recorder != nil {
		recorder = o.recorder
	}
	return workflow.NewEngine(workflow.Deps{
		Store:     o.store,
		Router:    o.router,
		Knowledge: o.knowledge,
		Recorder:  recorder,
		Workflow:  o.cfg.Workflow,
	})
}

// answeredQuestions joins the session's answers back to their question
// text, in answer order. Answers whose question no longer exists are
// dropped.
func answeredQuestions(st *workflow.State) []refine.Answer {
	textByID := make(map[string]string, len(st.Questions))
	for i := range st.Questions {
		textByID[st.Questions[i].ID] = st.Questions[i].Text
	}

	var out []refine.Answer
	for i := range st.Answers {
		question, ok := textByID[st.Answers[i].QuestionID]
		if !ok {
			continue
		}
		out = append(out, refine.Answer{Question: question, Answer: st.Answers[i].Text})
	}
	return out
}

// briefFor describes what a stage's artifact is supposed to be, for
// refinement and question prompts.
func briefFor(stage proto.Stage) string {
	switch stage {
	case workflow.StageAnalyzeExisting:
		return "an architecture summary of the existing codebase"
	case workflow.StageParseRequirements:
		return "a normalized requirements document"
	case workflow.StageDesignIntegration:
		return "an integration design for the new requirements"
	case workflow.StageGeneratePlan:
		return "a phased implementation plan"
	case workflow.StageFinalize:
		return "the consolidated final planning bundle"
	default:
		return "a planning document"
	}
}
