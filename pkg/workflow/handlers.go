package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blueprint/pkg/config"
	"blueprint/pkg/knowledge"
	"blueprint/pkg/llm"
	"blueprint/pkg/proto"
)

// StageHandler executes one producing stage against the session state and
// returns the stage's artifact. Handlers are pure with respect to state:
// they read it but never mutate it; the engine applies results.
type StageHandler func(ctx context.Context, st *State) (*proto.StageArtifact, error)

// handleAnalyzeExisting inspects the target repository and asks the
// generator model to write the architecture summary.
func (e *Engine) handleAnalyzeExisting(ctx context.Context, st *State) (*proto.StageArtifact, error) {
	if st.Input.RepoURL == "" {
		return nil, NewPreconditionError(StageAnalyzeExisting, "repository URL")
	}

	facts, err := e.analyzer.Analyze(ctx, st.Input.RepoURL, st.Input.Branch)
	if err != nil {
		return nil, fmt.Errorf("repository analysis failed: %w", err)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a software architect documenting an existing codebase. Write a concise, factual architecture summary in markdown."),
		llm.NewUserMessage(fmt.Sprintf("Summarize the architecture of this repository for an integration planning effort.\n\nCollected facts:\n%s", facts.Document)),
	})
	resp, err := e.router.Invoke(ctx, config.RoleGenerator, req)
	if err != nil {
		return nil, fmt.Errorf("architecture summary generation failed: %w", err)
	}
	facts.Document = resp.Content

	return proto.NewArchitectureFactsArtifact(facts), nil
}

// parsedRequirements is the JSON shape the generator returns when
// normalizing a requirements document.
type parsedRequirements struct {
	Functional    []proto.Requirement `json:"functional"`
	NonFunctional []proto.Requirement `json:"non_functional"`
	Assumptions   []string            `json:"assumptions"`
}

// handleParseRequirements loads the requirements document and normalizes it
// with the generator model. Reviewer feedback from a prior rejection is fed
// back as regeneration context.
func (e *Engine) handleParseRequirements(ctx context.Context, st *State) (*proto.StageArtifact, error) {
	if st.Input.RequirementsPath == "" {
		return nil, NewPreconditionError(StageParseRequirements, "requirements document path")
	}

	parsed, err := e.parser.Parse(ctx, st.Input.RequirementsPath)
	if err != nil {
		return nil, fmt.Errorf("requirements parsing failed: %w", err)
	}

	prompt := fmt.Sprintf(`Normalize the following requirements document into JSON with keys
"functional", "non_functional" (arrays of {"id","title","description","priority"}), and "assumptions" (array of strings).
Respond with a single JSON object and nothing else.

Document:
%s`, parsed.Document)
	if feedback := revisionContext(st, StageReviewRequirements); feedback != "" {
		prompt += "\n\nA human reviewer rejected the previous version with this feedback. Address it:\n" + feedback
	}

	var normalized parsedRequirements
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a requirements analyst. Respond only with valid JSON."),
		llm.NewUserMessage(prompt),
	})
	req.Temperature = llm.TemperatureDeterministic
	req.JSONOnly = true
	if err := e.router.InvokeJSON(ctx, config.RoleGenerator, req, &normalized); err != nil {
		return nil, fmt.Errorf("requirements normalization failed: %w", err)
	}

	// Model output refines the file parse; file-derived fields fill gaps.
	out := &proto.Requirements{
		Document:      parsed.Document,
		Functional:    normalized.Functional,
		NonFunctional: normalized.NonFunctional,
		Assumptions:   normalized.Assumptions,
		SourcePaths:   parsed.SourcePaths,
	}
	if len(out.Functional) == 0 {
		out.Functional = parsed.Functional
	}
	if len(out.NonFunctional) == 0 {
		out.NonFunctional = parsed.NonFunctional
	}
	if len(out.Assumptions) == 0 {
		out.Assumptions = parsed.Assumptions
	}
	if len(out.Functional) == 0 {
		return nil, fmt.Errorf("no functional requirements found in %s", st.Input.RequirementsPath)
	}

	return proto.NewRequirementsArtifact(out), nil
}

// handleDesignIntegration proposes an integration design from the approved
// requirements and the architecture facts.
func (e *Engine) handleDesignIntegration(ctx context.Context, st *State) (*proto.StageArtifact, error) {
	factsArt, ok := st.Artifact(StageAnalyzeExisting)
	if !ok {
		return nil, NewPreconditionError(StageDesignIntegration, "architecture facts artifact")
	}
	reqArt, ok := st.Artifact(StageParseRequirements)
	if !ok {
		return nil, NewPreconditionError(StageDesignIntegration, "requirements artifact")
	}

	facts, err := factsArt.ExtractArchitectureFacts()
	if err != nil {
		return nil, err
	}
	reqs, err := reqArt.ExtractRequirements()
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Design how the new requirements integrate into the existing system.
Respond with a single JSON object: {"document": "<markdown design>", "strategy": "<one line>",
"components": [{"name","responsibility","integrates_with"}], "risks": ["..."]}.

Existing architecture:
%s

Requirements:
%s`, facts.Document, requirementsDigest(reqs))

	// Prior designs for similar material inform the new one. Lookup is
	// best-effort: a failed query just leaves the prompt unenriched.
	if e.knowledge != nil {
		if related, err := e.knowledge.Query(ctx, reqs.Document, 3); err != nil {
			e.logger.Warn("knowledge query failed: %v", err)
		} else if len(related) > 0 {
			prompt += "\n\nRelated prior design material:\n" + strings.Join(related, "\n---\n")
		}
	}

	if feedback := revisionContext(st, StageReviewIntegration); feedback != "" {
		prompt += "\n\nA human reviewer rejected the previous design with this feedback. Address it:\n" + feedback
	}

	var design proto.IntegrationDesign
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a software architect. Respond only with valid JSON."),
		llm.NewUserMessage(prompt),
	})
	req.JSONOnly = true
	if err := e.router.InvokeJSON(ctx, config.RoleGenerator, req, &design); err != nil {
		return nil, fmt.Errorf("integration design generation failed: %w", err)
	}
	if design.Document == "" {
		return nil, llm.NewMalformedOutputError(nil, "integration design has no document body")
	}

	return proto.NewIntegrationDesignArtifact(&design), nil
}

// handleGeneratePlan turns the approved design into a phased delivery plan.
func (e *Engine) handleGeneratePlan(ctx context.Context, st *State) (*proto.StageArtifact, error) {
	designArt, ok := st.Artifact(StageDesignIntegration)
	if !ok {
		return nil, NewPreconditionError(StageGeneratePlan, "integration design artifact")
	}
	design, err := designArt.ExtractIntegrationDesign()
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Produce a phased implementation plan for the design below.
Respond with a single JSON object: {"document": "<markdown plan>",
"phases": [{"name","goal","tasks":["..."],"depends_on":["..."]}], "estimated_effort": "<summary>"}.

Design:
%s`, design.Document)

	var plan proto.ImplementationPlan
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a delivery planner. Respond only with valid JSON."),
		llm.NewUserMessage(prompt),
	})
	req.JSONOnly = true
	if err := e.router.InvokeJSON(ctx, config.RoleGenerator, req, &plan); err != nil {
		return nil, fmt.Errorf("implementation plan generation failed: %w", err)
	}
	if plan.Document == "" {
		return nil, llm.NewMalformedOutputError(nil, "implementation plan has no document body")
	}

	return proto.NewImplementationPlanArtifact(&plan), nil
}

// handleFinalize consolidates every approved artifact into the final
// bundle. Composition is local and deterministic; no model call.
func (e *Engine) handleFinalize(_ context.Context, st *State) (*proto.StageArtifact, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Integration Plan: %s\n\n", st.Input.ProjectID)

	sections := []struct {
		title string
		stage proto.Stage
	}{
		{"Existing Architecture", StageAnalyzeExisting},
		{"Requirements", StageParseRequirements},
		{"Integration Design", StageDesignIntegration},
		{"Implementation Plan", StageGeneratePlan},
	}
	for _, section := range sections {
		art, ok := st.Artifact(section.stage)
		if !ok {
			return nil, NewPreconditionError(StageFinalize, fmt.Sprintf("%s artifact", section.stage))
		}
		text, err := art.Text()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.title, text)
	}

	if designArt, ok := st.Artifact(StageDesignIntegration); ok {
		if design, err := designArt.ExtractIntegrationDesign(); err == nil && len(design.Components) > 0 {
			if dot, err := knowledge.DesignGraph(design); err == nil {
				fmt.Fprintf(&b, "## Component Graph\n\n```dot\n%s```\n\n", dot)
			}
		}
	}

	if len(st.FeedbackHistory) > 0 {
		b.WriteString("## Review History\n\n")
		for i := range st.FeedbackHistory {
			fb := &st.FeedbackHistory[i]
			fmt.Fprintf(&b, "- %s: %s", fb.Stage, fb.Decision)
			if fb.Comment != "" {
				fmt.Fprintf(&b, " (%s)", fb.Comment)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	return proto.NewFinalBundleArtifact(&proto.FinalBundle{
		Document:    b.String(),
		FinalizedAt: time.Now().UTC(),
	}), nil
}

// revisionContext collects needs_revision and rejected comments recorded at
// a review gate, newest last, for regeneration prompts.
func revisionContext(st *State, gate proto.Stage) string {
	var parts []string
	for _, fb := range st.FeedbackFor(gate) {
		if fb.Decision == proto.ApprovalApproved || fb.Comment == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("- %s", fb.Comment))
	}
	return strings.Join(parts, "\n")
}

// requirementsDigest renders requirements compactly for prompts.
func requirementsDigest(reqs *proto.Requirements) string {
	var b strings.Builder
	for i := range reqs.Functional {
		r := &reqs.Functional[i]
		fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Title)
	}
	for i := range reqs.NonFunctional {
		r := &reqs.NonFunctional[i]
		fmt.Fprintf(&b, "- [%s] %s (non-functional)\n", r.ID, r.Title)
	}
	for _, a := range reqs.Assumptions {
		fmt.Fprintf(&b, "- assumption: %s\n", a)
	}
	if b.Len() == 0 {
		return reqs.Document
	}
	return b.String()
}
