// Package refine implements multi-model artifact refinement: quality
// assessment, bounded iterative improvement, cross validation, and
// multi-draft synthesis. Refinement never regresses: the result is always
// the best-scoring version seen, not the last one produced.
package refine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/logx"
	"blueprint/pkg/metrics"
	"blueprint/pkg/proto"
)

// Strategy selects how an artifact is refined.
type Strategy string

const (
	// StrategyValidationOnly assesses the artifact without modifying it.
	StrategyValidationOnly Strategy = "validation_only"
	// StrategyCrossValidation runs the improvement loop, with every
	// revision re-assessed by an independent model role before it can
	// count as progress.
	StrategyCrossValidation Strategy = "cross_validation"
	// StrategyIterativeImprovement loops assess-improve until the quality
	// threshold or the iteration cap is reached.
	StrategyIterativeImprovement Strategy = "iterative_improvement"
	// StrategyMultiLLMSynthesis drafts candidates in parallel and merges
	// the strongest into one document.
	StrategyMultiLLMSynthesis Strategy = "multi_llm_synthesis"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyValidationOnly, StrategyCrossValidation, StrategyIterativeImprovement, StrategyMultiLLMSynthesis:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("invalid refinement strategy: %q", s)
	}
}

// Router is the slice of the model router the refinement engine needs.
type Router interface {
	Invoke(ctx context.Context, role string, req llm.CompletionRequest) (llm.CompletionResponse, error)
	InvokeJSON(ctx context.Context, role string, req llm.CompletionRequest, dest any) error
}

// Answer pairs a clarification question with the human response recorded
// for it. Answers feed improvement and draft prompts as extra context.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Iteration records one assess (and possibly improve) cycle.
type Iteration struct {
	Index   int                `json:"index"`
	Quality proto.QualityScore `json:"quality"`
	Overall float64            `json:"overall"`
	Best    bool               `json:"best"`
}

// Result is the outcome of one refinement run. Artifact carries the
// best-scoring text; Quality is its score.
type Result struct {
	Strategy     Strategy             `json:"strategy"`
	Artifact     *proto.StageArtifact `json:"artifact"`
	Quality      proto.QualityScore   `json:"quality"`
	Iterations   int                  `json:"iterations"`
	MetThreshold bool                 `json:"met_threshold"`
	History      []Iteration          `json:"history"`

	// finalText is the winning document body before it is written back
	// onto the artifact copy.
	finalText string
}

// Engine runs refinement strategies against stage artifacts.
type Engine struct {
	router   Router
	cfg      config.RefinementConfig
	recorder metrics.Recorder
	logger   *logx.Logger
}

// NewEngine creates a refinement engine. A nil recorder disables metrics.
func NewEngine(router Router, cfg config.RefinementConfig, recorder metrics.Recorder) *Engine {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.SynthesisDrafts < 2 {
		cfg.SynthesisDrafts = 2
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Engine{
		router:   router,
		cfg:      cfg,
		recorder: recorder,
		logger:   logx.NewLogger("refine"),
	}
}

// Refine runs the given strategy on an artifact. The brief describes what
// the document is supposed to be, for assessment and improvement prompts;
// answers carry any answered clarification questions back into those
// prompts. The input artifact is never mutated.
func (e *Engine) Refine(ctx context.Context, strategy Strategy, artifact *proto.StageArtifact, brief string, answers []Answer) (*Result, error) {
	text, err := artifact.Text()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("artifact %s has no document body to refine", artifact.Kind)
	}

	var result *Result
	switch strategy {
	case StrategyValidationOnly:
		result, err = e.validateOnly(ctx, text, brief)
	case StrategyCrossValidation:
		result, err = e.crossValidate(ctx, text, brief, answers)
	case StrategyIterativeImprovement:
		result, err = e.iterate(ctx, text, brief, answers)
	case StrategyMultiLLMSynthesis:
		result, err = e.synthesize(ctx, text, brief, answers)
	default:
		return nil, fmt.Errorf("invalid refinement strategy: %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	final, err := e.applyText(artifact, result)
	if err != nil {
		return nil, err
	}
	result.Artifact = final

	e.recorder.ObserveRefinement(string(strategy), result.Iterations, result.Quality.Overall())
	e.logger.Info("refinement %s finished: %d iterations, overall %.2f, threshold met=%v",
		strategy, result.Iterations, result.Quality.Overall(), result.MetThreshold)
	return result, nil
}

// validateOnly assesses once and reports.
func (e *Engine) validateOnly(ctx context.Context, text, brief string) (*Result, error) {
	score, err := e.assess(ctx, config.RoleValidator, text, brief)
	if err != nil {
		return nil, err
	}
	return &Result{
		Strategy:     StrategyValidationOnly,
		Quality:      score,
		Iterations:   1,
		MetThreshold: score.Overall() >= e.cfg.QualityThreshold,
		History:      []Iteration{{Index: 1, Quality: score, Overall: score.Overall(), Best: true}},
		finalText:    text,
	}, nil
}

// crossValidate runs the same assess-improve loop as iterate, but each
// revision the generator produces is re-assessed by the synthesizer
// role. A revision only counts as progress when a model independent of
// the one that scored the starting document accepts it.
func (e *Engine) crossValidate(ctx context.Context, text, brief string, answers []Answer) (*Result, error) {
	return e.refineLoop(ctx, StrategyCrossValidation, text, brief, answers, func(iteration int) string {
		if iteration == 1 {
			return config.RoleValidator
		}
		return config.RoleSynthesizer
	})
}

// iterate runs assess-improve cycles until the threshold is met or the
// iteration cap is hit, tracking the best-scoring version throughout.
func (e *Engine) iterate(ctx context.Context, text, brief string, answers []Answer) (*Result, error) {
	return e.refineLoop(ctx, StrategyIterativeImprovement, text, brief, answers, func(int) string {
		return config.RoleValidator
	})
}

// refineLoop is the shared assess-improve cycle. roleFor picks the
// assessing model role for each iteration.
func (e *Engine) refineLoop(ctx context.Context, strategy Strategy, text, brief string, answers []Answer, roleFor func(iteration int) string) (*Result, error) {
	result := &Result{Strategy: strategy}

	current := text
	bestText := text
	var bestScore proto.QualityScore
	bestOverall := -1.0

	for i := 1; i <= e.cfg.MaxIterations; i++ {
		score, err := e.assess(ctx, roleFor(i), current, brief)
		if err != nil {
			if i == 1 {
				return nil, err
			}
			// A failed late assessment does not discard earlier progress.
			e.logger.Warn("assessment %d failed, keeping best so far: %v", i, err)
			break
		}

		overall := score.Overall()
		improved := overall > bestOverall
		if improved {
			bestOverall = overall
			bestScore = score
			bestText = current
		}
		result.History = append(result.History, Iteration{Index: i, Quality: score, Overall: overall, Best: improved})
		result.Iterations = i

		if overall >= e.cfg.QualityThreshold {
			result.MetThreshold = true
			break
		}
		if i == e.cfg.MaxIterations {
			break
		}

		improvedText, err := e.improve(ctx, current, brief, score, answers)
		if err != nil {
			e.logger.Warn("improvement %d failed, keeping best so far: %v", i, err)
			break
		}
		current = improvedText
	}

	result.Quality = bestScore
	result.finalText = bestText
	return result, nil
}

// assess asks a model role to score the document on the four quality
// dimensions.
func (e *Engine) assess(ctx context.Context, role, text, brief string) (proto.QualityScore, error) {
	prompt := fmt.Sprintf(`Assess the document below. It is meant to be: %s.

Score each dimension from 0.0 to 1.0 and respond with a single JSON object:
{"completeness": <0..1>, "consistency": <0..1>, "accuracy": <0..1>, "relevance": <0..1>, "confidence": <0..1>}

Document:
%s`, brief, text)

	var score proto.QualityScore
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a strict quality assessor. Respond only with valid JSON."),
		llm.NewUserMessage(prompt),
	})
	req.Temperature = llm.TemperatureDeterministic
	if err := e.router.InvokeJSON(ctx, role, req, &score); err != nil {
		return proto.QualityScore{}, fmt.Errorf("quality assessment failed: %w", err)
	}
	score = score.Clamp()
	score.AssessedAt = time.Now().UTC()
	return score, nil
}

// improve asks the generator to revise the document, steered toward the
// weakest dimensions of the latest assessment and any answered
// clarification questions.
func (e *Engine) improve(ctx context.Context, text, brief string, score proto.QualityScore, answers []Answer) (string, error) {
	var focus strings.Builder
	for _, d := range score.WeakestDimensions(e.cfg.QualityThreshold) {
		fmt.Fprintf(&focus, "- %s scored %.2f\n", d.Name, d.Score)
	}

	prompt := fmt.Sprintf(`Revise the document below. It is meant to be: %s.

Focus on these weak areas:
%s%s
Keep everything that is already good. Respond with the full revised document only.

Document:
%s`, brief, focus.String(), answersSection(answers), text)

	resp, err := e.router.Invoke(ctx, config.RoleGenerator, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a technical editor. Respond with the revised document and nothing else."),
		llm.NewUserMessage(prompt),
	}))
	if err != nil {
		return "", fmt.Errorf("improvement generation failed: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", llm.NewError(llm.ErrorTypeEmptyResponse, "improvement returned an empty document")
	}
	return resp.Content, nil
}

// answersSection formats answered clarification questions for inclusion
// in a refinement prompt. Empty when there is nothing to carry over.
func answersSection(answers []Answer) string {
	if len(answers) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nThe reviewer answered these clarification questions; honor the answers:\n")
	for _, a := range answers {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", a.Question, a.Answer)
	}
	return b.String()
}

// applyText writes the winning text back onto a copy of the artifact.
func (e *Engine) applyText(artifact *proto.StageArtifact, result *Result) (*proto.StageArtifact, error) {
	return artifact.WithText(result.finalText)
}
