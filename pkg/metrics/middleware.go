package metrics

import (
	"context"
	"time"

	"blueprint/pkg/llm"
	"blueprint/pkg/logx"
	"blueprint/pkg/tokens"
)

// UsageExtractor extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with the shared tiktoken counter.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return tokens.Count(promptText), tokens.Count(resp.Content)
}

// Middleware records latency, token usage, and error types for every LLM
// request routed through the client chain. The role label names the model
// role the router resolved (generator, validator, synthesizer).
func Middleware(recorder Recorder, role string, labels LabelProvider, logger *logx.Logger) llm.Middleware {
	extractor := DefaultUsageExtractor

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = extractor(req, resp)
				}

				errorType := ""
				if err != nil {
					errorType = llm.TypeOf(err).String()
				}

				sessionID := labels.GetSessionID()
				stage := labels.GetStage()

				recorder.ObserveLLMRequest(
					model, role, sessionID, stage,
					promptTokens, completionTokens,
					err == nil, errorType, duration,
				)

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error"
					}
					logger.Debug("llm request: model=%s role=%s session=%s stage=%s tokens=%d+%d status=%s duration=%dms",
						model, role, sessionID, stage, promptTokens, completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware passes through errors unchanged
			},
			func() string {
				return next.GetModelName()
			},
		)
	}
}

// StaticLabels is a LabelProvider with fixed values, for callers outside a
// running workflow (e.g. ad-hoc refinement of a stored artifact).
type StaticLabels struct {
	SessionID string
	Stage     string
}

// GetSessionID returns the fixed session ID.
func (s StaticLabels) GetSessionID() string { return s.SessionID }

// GetStage returns the fixed stage label.
func (s StaticLabels) GetStage() string { return s.Stage }
