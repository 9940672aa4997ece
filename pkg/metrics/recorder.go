// Package metrics provides Prometheus-based recording and querying of
// workflow and LLM usage metrics.
package metrics

import "time"

// LabelProvider supplies workflow context for metrics labels.
type LabelProvider interface {
	// GetSessionID returns the workflow session being served.
	GetSessionID() string
	// GetStage returns the current workflow stage.
	GetStage() string
}

// Recorder defines the interface for recording workflow metrics.
type Recorder interface {
	// ObserveLLMRequest records metrics for a completed LLM request.
	ObserveLLMRequest(
		model, role, sessionID, stage string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncStageTransition counts a workflow stage transition.
	IncStageTransition(from, to string)

	// ObserveRefinement records one finished refinement run.
	ObserveRefinement(strategy string, iterations int, finalQuality float64)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveLLMRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveLLMRequest(
	_, _, _, _ string,
	_, _ int,
	_ bool,
	_ string,
	_ time.Duration,
) {
}

// IncStageTransition does nothing in the no-op recorder.
func (n *NoopRecorder) IncStageTransition(_, _ string) {}

// ObserveRefinement does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRefinement(_ string, _ int, _ float64) {}
