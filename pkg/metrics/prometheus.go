package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal        *prometheus.CounterVec
	tokensTotal          *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	stageTransitions     *prometheus.CounterVec
	refinementIterations *prometheus.HistogramVec
	refinementQuality    *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
// Metrics register on the default registry, so construct it once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, role, session, stage, and status",
			},
			[]string{"model", "role", "session_id", "stage", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "role", "session_id", "stage", "type"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "role", "session_id", "stage"},
		),
		stageTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_stage_transitions_total",
				Help: "Total number of workflow stage transitions",
			},
			[]string{"from", "to"},
		),
		refinementIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refinement_iterations",
				Help:    "Iterations consumed per refinement run",
				Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
			},
			[]string{"strategy"},
		),
		refinementQuality: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refinement_final_quality",
				Help:    "Final overall quality score per refinement run",
				Buckets: prometheus.LinearBuckets(0.0, 0.1, 11),
			},
			[]string{"strategy"},
		),
	}
}

// ObserveLLMRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveLLMRequest(
	model, role, sessionID, stage string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, role, sessionID, stage, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(model, role, sessionID, stage, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, role, sessionID, stage, "completion").Add(float64(completionTokens))
	}

	p.requestDuration.WithLabelValues(model, role, sessionID, stage).Observe(duration.Seconds())
}

// IncStageTransition counts a workflow stage transition.
func (p *PrometheusRecorder) IncStageTransition(from, to string) {
	p.stageTransitions.WithLabelValues(from, to).Inc()
}

// ObserveRefinement records one finished refinement run.
func (p *PrometheusRecorder) ObserveRefinement(strategy string, iterations int, finalQuality float64) {
	p.refinementIterations.WithLabelValues(strategy).Observe(float64(iterations))
	p.refinementQuality.WithLabelValues(strategy).Observe(finalQuality)
}
