package llm

import (
	"context"
	"time"
)

// TimeoutMiddleware wraps an LLM client with a per-request timeout so a
// hanging provider cannot stall the workflow engine.
func TimeoutMiddleware(duration time.Duration) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				return next.Complete(timeoutCtx, req)
			},
			func() string {
				return next.GetModelName()
			},
		)
	}
}
