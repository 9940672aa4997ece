// Package questions turns quality assessment gaps into targeted
// clarification questions for human reviewers. Generation is deterministic:
// the same score always yields the same questions in the same order.
package questions

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"blueprint/pkg/proto"
)

// dimensionTemplate maps a weak quality dimension to the question asked
// about it.
type dimensionTemplate struct {
	qtype    proto.QuestionType
	category string
	text     string
}

var templates = map[string]dimensionTemplate{
	proto.DimCompleteness: {
		qtype:    proto.QuestionStakeholder,
		category: "scope",
		text:     "The %s appears to be missing material. Are there requirements, components, or constraints not yet captured that it should cover?",
	},
	proto.DimConsistency: {
		qtype:    proto.QuestionTechnical,
		category: "consistency",
		text:     "Parts of the %s appear to contradict each other. Which statement should take precedence where they conflict?",
	},
	proto.DimAccuracy: {
		qtype:    proto.QuestionTechnical,
		category: "accuracy",
		text:     "Some claims in the %s could not be verified against the source material. Can you confirm or correct the questionable details?",
	},
	proto.DimRelevance: {
		qtype:    proto.QuestionClarification,
		category: "focus",
		text:     "The %s contains material that may be out of scope. What should this document focus on, and what can be dropped?",
	},
}

// Generator produces questions from quality scores.
type Generator struct {
	// Threshold below which a dimension is considered weak.
	Threshold float64
	// HighCutoff is the score below which a question is high priority.
	HighCutoff float64
}

// NewGenerator creates a generator with the given weakness threshold.
func NewGenerator(threshold float64) *Generator {
	return &Generator{Threshold: threshold, HighCutoff: threshold / 2}
}

// FromScore generates one question per weak dimension of the score,
// ordered by priority (high first) with ties kept in canonical dimension
// order. subject names the assessed document ("requirements",
// "integration design") for insertion into question text.
func (g *Generator) FromScore(score proto.QualityScore, subject string) []proto.Question {
	now := time.Now().UTC()

	var out []proto.Question
	for _, dim := range score.WeakestDimensions(g.Threshold) {
		tmpl, ok := templates[dim.Name]
		if !ok {
			continue
		}
		out = append(out, proto.Question{
			ID:          uuid.NewString(),
			Type:        tmpl.qtype,
			Category:    tmpl.category,
			Priority:    g.priorityFor(dim.Score),
			Text:        fmt.Sprintf(tmpl.text, subject),
			Context:     fmt.Sprintf("%s scored %.2f against a threshold of %.2f", dim.Name, dim.Score, g.Threshold),
			GeneratedAt: now,
		})
	}

	// Stable sort: equal priorities keep weakest-first insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

// priorityFor maps a dimension score to a question priority.
func (g *Generator) priorityFor(score float64) proto.Priority {
	switch {
	case score < g.HighCutoff:
		return proto.PriorityHigh
	case score < g.Threshold:
		return proto.PriorityMedium
	default:
		return proto.PriorityLow
	}
}
