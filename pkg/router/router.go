// Package router resolves model roles to provider chains and invokes them
// with failover. Each role (generator, validator, synthesizer) maps to an
// ordered list of provider/model pairs; the router tries them in order and
// returns the first success.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/llm/anthropic"
	"blueprint/pkg/llm/google"
	"blueprint/pkg/llm/ollama"
	"blueprint/pkg/llm/openai"
	"blueprint/pkg/logx"
	"blueprint/pkg/metrics"
)

// ClientFactory builds a base client for one provider/model pair. Tests
// substitute mocks here.
type ClientFactory func(ref config.ModelRef) (llm.LLMClient, error)

// ProviderAttempt records one failed provider invocation.
type ProviderAttempt struct {
	Provider string
	Model    string
	Err      error
}

// AllProvidersFailedError reports that every provider in a role's chain
// failed. Attempts preserve per-provider errors in invocation order.
type AllProvidersFailedError struct {
	Role     string
	Attempts []ProviderAttempt
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d providers failed for role %s", len(e.Attempts), e.Role)
	for i := range e.Attempts {
		a := &e.Attempts[i]
		fmt.Fprintf(&b, "; %s/%s: %v", a.Provider, a.Model, a.Err)
	}
	return b.String()
}

// Unwrap exposes the last provider error for errors.Is/As chains.
func (e *AllProvidersFailedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// IsAllProvidersFailed checks if an error is an AllProvidersFailedError.
func IsAllProvidersFailed(err error) bool {
	var apf *AllProvidersFailedError
	return errors.As(err, &apf)
}

// Options configures a Router.
type Options struct {
	Models config.ModelsConfig
	Ollama config.OllamaConfig

	// RequestTimeout bounds each provider attempt. Zero disables the
	// timeout middleware.
	RequestTimeout time.Duration

	// Retry applies per provider attempt before failover kicks in.
	// Nil uses llm.DefaultRetryPolicyConfig.
	Retry *llm.RetryPolicyConfig

	// Recorder and Labels feed the metrics middleware. Nil Recorder
	// disables metrics.
	Recorder metrics.Recorder
	Labels   metrics.LabelProvider

	// Factory overrides provider client construction, for tests.
	Factory ClientFactory
}

// Router routes completion requests to role-specific provider chains.
// Clients are built lazily and cached per provider/model pair.
type Router struct {
	opts   Options
	logger *logx.Logger

	mu      sync.Mutex
	clients map[string]llm.LLMClient
}

// New creates a Router.
func New(opts Options) *Router {
	r := &Router{
		opts:    opts,
		logger:  logx.NewLogger("router"),
		clients: make(map[string]llm.LLMClient),
	}
	if r.opts.Factory == nil {
		r.opts.Factory = r.buildProviderClient
	}
	return r
}

// Invoke tries the role's providers in preference order and returns the
// first successful response. Context cancellation stops the chain
// immediately; any other failure moves on to the next provider.
func (r *Router) Invoke(ctx context.Context, role string, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	refs := r.opts.Models.ForRole(role)
	if len(refs) == 0 {
		return llm.CompletionResponse{}, fmt.Errorf("no models configured for role %s", role)
	}

	attempts := make([]ProviderAttempt, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return llm.CompletionResponse{}, err
		}

		client, err := r.clientFor(role, ref)
		if err != nil {
			r.logger.Warn("role %s: cannot build client for %s/%s: %v", role, ref.Provider, ref.Model, err)
			attempts = append(attempts, ProviderAttempt{Provider: ref.Provider, Model: ref.Model, Err: err})
			continue
		}

		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return llm.CompletionResponse{}, err
		}

		r.logger.Warn("role %s: provider %s/%s failed, trying next: %v", role, ref.Provider, ref.Model, err)
		attempts = append(attempts, ProviderAttempt{Provider: ref.Provider, Model: ref.Model, Err: err})
	}

	return llm.CompletionResponse{}, &AllProvidersFailedError{Role: role, Attempts: attempts}
}

// InvokeJSON invokes the role's providers in preference order and
// unmarshals the first decodable response body into dest. A provider
// whose output does not decode gets exactly one repair attempt; if that
// also fails, the malformed output counts like any other provider
// failure and the chain advances. AllProvidersFailedError on exhaustion.
func (r *Router) InvokeJSON(ctx context.Context, role string, req llm.CompletionRequest, dest any) error {
	req.JSONOnly = true

	refs := r.opts.Models.ForRole(role)
	if len(refs) == 0 {
		return fmt.Errorf("no models configured for role %s", role)
	}

	attempts := make([]ProviderAttempt, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}

		client, err := r.clientFor(role, ref)
		if err != nil {
			r.logger.Warn("role %s: cannot build client for %s/%s: %v", role, ref.Provider, ref.Model, err)
			attempts = append(attempts, ProviderAttempt{Provider: ref.Provider, Model: ref.Model, Err: err})
			continue
		}

		err = r.completeJSON(ctx, role, client, req, dest)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		r.logger.Warn("role %s: provider %s/%s failed, trying next: %v", role, ref.Provider, ref.Model, err)
		attempts = append(attempts, ProviderAttempt{Provider: ref.Provider, Model: ref.Model, Err: err})
	}

	return &AllProvidersFailedError{Role: role, Attempts: attempts}
}

// completeJSON runs one provider's completion and decodes the body into
// dest, making exactly one repair attempt on the same provider when the
// first response does not parse.
func (r *Router) completeJSON(ctx context.Context, role string, client llm.LLMClient, req llm.CompletionRequest, dest any) error {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return err
	}

	firstErr := decodeJSONResponse(resp.Content, dest)
	if firstErr == nil {
		return nil
	}
	r.logger.Warn("role %s returned malformed JSON, attempting repair: %v", role, firstErr)

	repairReq := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("You repair malformed JSON. Respond with a single corrected JSON object and nothing else."),
		llm.NewUserMessage(fmt.Sprintf("The following output was supposed to be a single valid JSON object but failed to parse (%v). Fix it without changing its meaning:\n\n%s", firstErr, resp.Content)),
	})
	repairReq.Temperature = llm.TemperatureDeterministic
	repairReq.JSONOnly = true

	repairResp, err := client.Complete(ctx, repairReq)
	if err != nil {
		return llm.NewMalformedOutputError(firstErr, fmt.Sprintf("repair attempt failed: %v", err))
	}
	if err := decodeJSONResponse(repairResp.Content, dest); err != nil {
		return llm.NewMalformedOutputError(err, "response is not valid JSON after one repair attempt")
	}
	return nil
}

// clientFor returns the cached wrapped client for a provider/model pair,
// building it on first use.
func (r *Router) clientFor(role string, ref config.ModelRef) (llm.LLMClient, error) {
	key := role + "|" + ref.Provider + "|" + ref.Model

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	base, err := r.opts.Factory(ref)
	if err != nil {
		return nil, err
	}

	retryCfg := llm.DefaultRetryPolicyConfig
	if r.opts.Retry != nil {
		retryCfg = *r.opts.Retry
	}

	middlewares := []llm.Middleware{
		llm.RetryMiddleware(llm.NewRetryPolicy(retryCfg, nil)),
	}
	if r.opts.RequestTimeout > 0 {
		middlewares = append(middlewares, llm.TimeoutMiddleware(r.opts.RequestTimeout))
	}
	if r.opts.Recorder != nil {
		labels := r.opts.Labels
		if labels == nil {
			labels = metrics.StaticLabels{}
		}
		middlewares = append(middlewares, metrics.Middleware(r.opts.Recorder, role, labels, r.logger))
	}

	client := llm.Chain(base, middlewares...)
	r.clients[key] = client
	return client, nil
}

// buildProviderClient is the default ClientFactory backed by the real
// provider SDKs. API keys come from the decrypted secrets store.
func (r *Router) buildProviderClient(ref config.ModelRef) (llm.LLMClient, error) {
	apiKey, err := config.APIKeyForProvider(ref.Provider)
	if err != nil {
		return nil, fmt.Errorf("no API key for provider %s: %w", ref.Provider, err)
	}

	switch ref.Provider {
	case config.ProviderAnthropic:
		return anthropic.New(apiKey, ref.Model), nil
	case config.ProviderOpenAI:
		return openai.New(apiKey, ref.Model), nil
	case config.ProviderGoogle:
		return google.New(apiKey, ref.Model), nil
	case config.ProviderOllama:
		host := r.opts.Ollama.HostURL
		if host == "" {
			host = ollama.DefaultHostURL
		}
		return ollama.New(host, ref.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", ref.Provider)
	}
}
