package workflow

import (
	"time"

	"blueprint/pkg/proto"
)

// WorkflowInput is the immutable request that starts a session.
type WorkflowInput struct {
	ProjectID        string `json:"project_id"`
	RepoURL          string `json:"repo_url"`
	Branch           string `json:"branch,omitempty"`
	RequirementsPath string `json:"requirements_path"`
}

// State is the full serializable state of one workflow session. It is the
// unit of checkpointing: everything needed to resume lives here.
type State struct {
	SessionID string        `json:"session_id"`
	Input     WorkflowInput `json:"input"`

	CurrentStage    proto.Stage   `json:"current_stage"`
	CompletedStages []proto.Stage `json:"completed_stages"`

	// Artifacts holds each producing stage's latest output.
	Artifacts map[proto.Stage]*proto.StageArtifact `json:"artifacts"`

	// FeedbackHistory is append-only: every review decision ever made.
	FeedbackHistory []proto.FeedbackEntry `json:"feedback_history"`

	// RevisionCounts tracks rejection loops per review gate.
	RevisionCounts map[proto.Stage]int `json:"revision_counts"`

	// Questions generated for the session and any answers received.
	Questions []proto.Question `json:"questions,omitempty"`
	Answers   []proto.Answer   `json:"answers,omitempty"`

	// Errors and Warnings are append-only event logs, never cleared.
	Errors   []proto.EventEntry `json:"errors,omitempty"`
	Warnings []proto.EventEntry `json:"warnings,omitempty"`

	// FailureReason is set when CurrentStage is failed.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates the initial state for a session.
func NewState(sessionID string, input WorkflowInput) *State {
	now := time.Now().UTC()
	return &State{
		SessionID:      sessionID,
		Input:          input,
		CurrentStage:   StageAnalyzeExisting,
		Artifacts:      make(map[proto.Stage]*proto.StageArtifact),
		RevisionCounts: make(map[proto.Stage]int),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Artifact returns the stored artifact for a producing stage, if any.
func (s *State) Artifact(stage proto.Stage) (*proto.StageArtifact, bool) {
	a, ok := s.Artifacts[stage]
	return a, ok
}

// SetArtifact stores a stage's output, preserving the revision count from
// any artifact it replaces.
func (s *State) SetArtifact(stage proto.Stage, artifact *proto.StageArtifact) {
	if prev, ok := s.Artifacts[stage]; ok {
		artifact.Revision = prev.Revision + 1
	}
	s.Artifacts[stage] = artifact
}

// AddFeedback appends a review decision to the append-only history.
func (s *State) AddFeedback(entry proto.FeedbackEntry) {
	s.FeedbackHistory = append(s.FeedbackHistory, entry)
}

// FeedbackFor returns all feedback recorded at one review gate, in order.
func (s *State) FeedbackFor(gate proto.Stage) []proto.FeedbackEntry {
	var out []proto.FeedbackEntry
	for i := range s.FeedbackHistory {
		if s.FeedbackHistory[i].Stage == gate {
			out = append(out, s.FeedbackHistory[i])
		}
	}
	return out
}

// RecordError appends to the error log with stage context.
func (s *State) RecordError(stage proto.Stage, message string) {
	s.Errors = append(s.Errors, proto.EventEntry{
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// RecordWarning appends to the warning log with stage context.
func (s *State) RecordWarning(stage proto.Stage, message string) {
	s.Warnings = append(s.Warnings, proto.EventEntry{
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// IsComplete reports whether the session reached the completed stage.
func (s *State) IsComplete() bool {
	return s.CurrentStage == StageCompleted
}

// IsFailed reports whether the session reached the failed stage.
func (s *State) IsFailed() bool {
	return s.CurrentStage == StageFailed
}

// AwaitingReview reports whether the session is parked at a review gate.
func (s *State) AwaitingReview() bool {
	return IsReviewStage(s.CurrentStage)
}

// Progress reports the fraction of the forward pipeline completed, in
// [0,1]. Rejection loop-backs do not reduce it below what has been
// reached; a failed session keeps the progress it had.
func (s *State) Progress() float64 {
	if s.IsComplete() {
		return 1
	}

	var pipeline []proto.Stage
	for _, stage := range AllStages() {
		if !IsTerminalStage(stage) {
			pipeline = append(pipeline, stage)
		}
	}

	done := make(map[proto.Stage]bool, len(s.CompletedStages))
	for _, stage := range s.CompletedStages {
		done[stage] = true
	}
	count := 0
	for _, stage := range pipeline {
		if done[stage] {
			count++
		}
	}
	return float64(count) / float64(len(pipeline))
}
