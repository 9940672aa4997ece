package proto

import "time"

// QuestionType classifies who a clarification question is aimed at.
type QuestionType string

const (
	QuestionStakeholder   QuestionType = "stakeholder"
	QuestionTechnical     QuestionType = "technical"
	QuestionClarification QuestionType = "clarification"
)

// Priority orders questions for presentation. High sorts first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable rank for the priority: lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Question is a targeted clarification derived from a quality gap.
// Questions are immutable once generated; they are either answered by a
// human or fed back as additional context into a refinement iteration.
type Question struct {
	ID          string       `json:"id"`
	Type        QuestionType `json:"type"`
	Category    string       `json:"category"`
	Priority    Priority     `json:"priority"`
	Text        string       `json:"text"`
	Context     string       `json:"context,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Answer is a human response to a generated question.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Text       string    `json:"text"`
	AnsweredAt time.Time `json:"answered_at"`
}
