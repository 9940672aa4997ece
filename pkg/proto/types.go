// Package proto defines the shared domain types exchanged between the
// workflow engine, the refinement engine, and the API surface.
package proto

import (
	"fmt"
	"time"
)

// Stage identifies a node in the workflow graph.
type Stage string

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// ApprovalStatus is the decision a human reviewer returns for a review gate.
type ApprovalStatus string

const (
	// ApprovalApproved advances the workflow to the next forward stage.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected sends the workflow back to the producing stage.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalNeedsRevision sends the workflow back to the producing stage
	// with reviewer comments attached as regeneration context.
	ApprovalNeedsRevision ApprovalStatus = "needs_revision"
)

// ParseApprovalStatus validates a reviewer-supplied decision string.
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	switch ApprovalStatus(s) {
	case ApprovalApproved, ApprovalRejected, ApprovalNeedsRevision:
		return ApprovalStatus(s), nil
	default:
		return "", fmt.Errorf("invalid approval status: %q", s)
	}
}

// FeedbackEntry records one human review decision. Entries are append-only.
type FeedbackEntry struct {
	Stage     Stage          `json:"stage"`
	Decision  ApprovalStatus `json:"decision"`
	Comment   string         `json:"comment,omitempty"`
	Reviewer  string         `json:"reviewer,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventEntry records an error or warning with its stage context.
// Entries are append-only and never cleared, for post-hoc diagnosis.
type EventEntry struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
