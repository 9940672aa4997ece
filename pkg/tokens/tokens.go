// Package tokens provides tiktoken-based token counting for prompt budgets
// and usage metrics.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting backed by a tiktoken codec.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a counter for the given model name. All supported
// providers are approximated with the GPT-4 encoding, which is close enough
// for budgeting and metrics.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
// Falls back to character-based estimation (4 chars per token) when the
// codec is unavailable or errors.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits in the given token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// Truncate trims text to roughly fit the token limit. Truncation is by
// characters, not exact token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9) // safety margin
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

var (
	sharedCounter *Counter
	sharedOnce    sync.Once
)

// Count is a package-level convenience using a shared GPT-4 counter.
func Count(text string) int {
	sharedOnce.Do(func() {
		sharedCounter, _ = NewCounter("gpt-4")
	})
	if sharedCounter == nil {
		return len(text) / 4
	}
	return sharedCounter.Count(text)
}
