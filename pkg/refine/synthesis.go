package refine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/proto"
)

// draftAngles steer parallel drafts toward different emphases so the merge
// has genuinely distinct material to work with. Drafts beyond the list
// reuse it round-robin.
var draftAngles = []string{
	"completeness: cover every aspect the brief implies, filling gaps",
	"precision: tighten claims, remove ambiguity, verify internal consistency",
	"practicality: emphasize actionable detail a reader could execute from",
	"risk awareness: surface edge cases, failure modes, and open risks",
}

type draft struct {
	index int
	text  string
	score proto.QualityScore
	err   error
}

// synthesize fans out parallel drafts, assesses them, merges the strongest
// into one document, and returns whichever version scored best overall.
func (e *Engine) synthesize(ctx context.Context, text, brief string, answers []Answer) (*Result, error) {
	n := e.cfg.SynthesisDrafts
	drafts := make([]draft, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			angle := draftAngles[i%len(draftAngles)]
			body, err := e.draftVersion(ctx, text, brief, angle, answers)
			drafts[i] = draft{index: i, text: body, err: err}
		}(i)
	}
	wg.Wait()

	var usable []draft
	for _, d := range drafts {
		if d.err != nil {
			e.logger.Warn("synthesis draft %d failed: %v", d.index+1, d.err)
			continue
		}
		usable = append(usable, d)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("all %d synthesis drafts failed", n)
	}

	// Assess original and drafts in parallel; the original competes too.
	candidates := append([]draft{{index: -1, text: text}}, usable...)
	wg = sync.WaitGroup{}
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidates[i].score, candidates[i].err = e.assess(ctx, config.RoleValidator, candidates[i].text, brief)
		}(i)
	}
	wg.Wait()

	var scored []draft
	for _, c := range candidates {
		if c.err != nil {
			e.logger.Warn("synthesis assessment failed: %v", c.err)
			continue
		}
		scored = append(scored, c)
	}
	if len(scored) == 0 {
		return nil, fmt.Errorf("no synthesis candidate could be assessed")
	}

	best := scored[0]
	for _, c := range scored[1:] {
		if c.score.Overall() > best.score.Overall() {
			best = c
		}
	}

	result := &Result{Strategy: StrategyMultiLLMSynthesis}
	for i, c := range scored {
		result.History = append(result.History, Iteration{
			Index:   i + 1,
			Quality: c.score,
			Overall: c.score.Overall(),
		})
	}
	result.Iterations = len(scored)

	// Merge only when there is more than one usable draft to combine.
	if len(usable) > 1 {
		merged, err := e.merge(ctx, brief, usable)
		if err != nil {
			e.logger.Warn("synthesis merge failed, keeping best draft: %v", err)
		} else if mergedScore, err := e.assess(ctx, config.RoleValidator, merged, brief); err == nil {
			result.Iterations++
			improved := mergedScore.Overall() > best.score.Overall()
			result.History = append(result.History, Iteration{
				Index:   result.Iterations,
				Quality: mergedScore,
				Overall: mergedScore.Overall(),
				Best:    improved,
			})
			if improved {
				best = draft{text: merged, score: mergedScore}
			}
		} else {
			e.logger.Warn("merged document assessment failed, keeping best draft: %v", err)
		}
	}

	for i := range result.History {
		result.History[i].Best = result.History[i].Overall == best.score.Overall()
	}
	result.Quality = best.score
	result.MetThreshold = best.score.Overall() >= e.cfg.QualityThreshold
	result.finalText = best.text
	return result, nil
}

// draftVersion asks the synthesizer role for one rewrite with a given
// emphasis.
func (e *Engine) draftVersion(ctx context.Context, text, brief, angle string, answers []Answer) (string, error) {
	prompt := fmt.Sprintf(`Rewrite the document below. It is meant to be: %s.

Your emphasis for this draft is %s.
%sRespond with the full rewritten document only.

Document:
%s`, brief, angle, answersSection(answers), text)

	resp, err := e.router.Invoke(ctx, config.RoleSynthesizer, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a technical writer. Respond with the rewritten document and nothing else."),
		llm.NewUserMessage(prompt),
	}))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", llm.NewError(llm.ErrorTypeEmptyResponse, "draft returned an empty document")
	}
	return resp.Content, nil
}

// merge combines the drafts into one document via the synthesizer role.
func (e *Engine) merge(ctx context.Context, brief string, drafts []draft) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge the %d drafts below into one superior document. It is meant to be: %s.\n", len(drafts), brief)
	b.WriteString("Take the strongest parts of each draft; resolve conflicts in favor of accuracy.\nRespond with the merged document only.\n")
	for i, d := range drafts {
		fmt.Fprintf(&b, "\n--- Draft %d ---\n%s\n", i+1, d.text)
	}

	resp, err := e.router.Invoke(ctx, config.RoleSynthesizer, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You merge technical documents. Respond with the merged document and nothing else."),
		llm.NewUserMessage(b.String()),
	}))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", llm.NewError(llm.ErrorTypeEmptyResponse, "merge returned an empty document")
	}
	return resp.Content, nil
}
