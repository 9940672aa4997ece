package workflow

import (
	"errors"
	"fmt"

	"blueprint/pkg/proto"
)

// ErrInvalidTransition is returned when a requested stage transition is not
// an edge in the stage graph.
var ErrInvalidTransition = errors.New("invalid stage transition")

// PreconditionError indicates a stage handler could not run because a
// required upstream artifact or input is missing. Not retryable.
type PreconditionError struct {
	Stage   proto.Stage
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s precondition failed: missing %s", e.Stage, e.Missing)
}

// NewPreconditionError creates a PreconditionError for a stage.
func NewPreconditionError(stage proto.Stage, missing string) *PreconditionError {
	return &PreconditionError{Stage: stage, Missing: missing}
}

// IsPrecondition checks whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// MaxRevisionsExceededError indicates a review gate rejected its artifact
// more times than the configured bound allows. The workflow fails closed
// rather than looping forever.
type MaxRevisionsExceededError struct {
	Gate      proto.Stage
	Revisions int
	Limit     int
}

func (e *MaxRevisionsExceededError) Error() string {
	return fmt.Sprintf("review gate %s exceeded revision limit: %d revisions (limit %d)", e.Gate, e.Revisions, e.Limit)
}

// IsMaxRevisionsExceeded checks whether err is a MaxRevisionsExceededError.
func IsMaxRevisionsExceeded(err error) bool {
	var me *MaxRevisionsExceededError
	return errors.As(err, &me)
}

// PersistenceError indicates a checkpoint write or read failed. The stage's
// work may have completed, but the workflow cannot report progress it
// cannot durably record.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps a store failure.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence checks whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
