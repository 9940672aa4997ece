package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"classified rate limit", NewError(ErrorTypeRateLimit, "429"), true},
		{"classified auth", NewError(ErrorTypeAuth, "bad key"), false},
		{"classified unavailable", NewUnavailableError(nil, 3), false},
		{"timeout string", errors.New("request timeout"), true},
		{"connection string", errors.New("connection refused"), true},
		{"429 string", errors.New("got 429 from server"), true},
		{"503 string", errors.New("HTTP 503"), true},
		{"404 string", errors.New("HTTP 404 not found"), false},
		{"unknown", errors.New("mystery"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	policy := NewRetryPolicy(RetryPolicyConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	assert.Equal(t, time.Duration(0), policy.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, policy.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, policy.CalculateDelay(3))
	assert.Equal(t, 400*time.Millisecond, policy.CalculateDelay(4))
	// Capped at MaxDelay well before it would reach 1.6s
	assert.Equal(t, 800*time.Millisecond, policy.CalculateDelay(5))
	assert.Equal(t, 1*time.Second, policy.CalculateDelay(6))
}

func TestCalculateDelayWithJitterStaysPositive(t *testing.T) {
	policy := NewRetryPolicy(RetryPolicyConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)

	for i := 0; i < 20; i++ {
		d := policy.CalculateDelay(3)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func fastPolicy(maxAttempts int) *RetryPolicy {
	return NewRetryPolicy(RetryPolicyConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)
}

func TestRetryMiddlewareRecoversFromTransientError(t *testing.T) {
	mock := NewMockClient("test-model",
		[]CompletionResponse{{Content: "ok"}},
		[]error{NewError(ErrorTypeTransient, "blip"), nil},
	)
	client := Chain(mock, RetryMiddleware(fastPolicy(3)))

	resp, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, mock.CallCount())
}

func TestRetryMiddlewareExhaustionBecomesUnavailable(t *testing.T) {
	mock := NewMockClient("test-model", nil, []error{
		NewError(ErrorTypeRateLimit, "429"),
		NewError(ErrorTypeRateLimit, "429"),
		NewError(ErrorTypeRateLimit, "429"),
	})
	client := Chain(mock, RetryMiddleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetryMiddlewareDoesNotRetryAuthErrors(t *testing.T) {
	mock := NewMockClient("test-model", nil, []error{
		NewError(ErrorTypeAuth, "bad key"),
	})
	client := Chain(mock, RetryMiddleware(fastPolicy(3)))

	_, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.Error(t, err)
	assert.True(t, Is(err, ErrorTypeAuth))
	assert.Equal(t, 1, mock.CallCount())
}

func TestRetryMiddlewareHonorsCancellation(t *testing.T) {
	mock := NewMockClient("test-model", nil, []error{
		NewError(ErrorTypeTransient, "blip"),
		NewError(ErrorTypeTransient, "blip"),
	})
	policy := NewRetryPolicy(RetryPolicyConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Hour,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}, nil)
	client := Chain(mock, RetryMiddleware(policy))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, NewCompletionRequest(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, mock.CallCount())
}
