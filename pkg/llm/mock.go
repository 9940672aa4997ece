package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient provides a controllable implementation of LLMClient for testing.
// Responses and errors are consumed in order; a nil entry in the error slice
// lets the corresponding response through.
type MockClient struct {
	mu            sync.Mutex
	modelName     string
	responses     []CompletionResponse
	responseIndex int
	errors        []error
	errorIndex    int
	Requests      []CompletionRequest // every request seen, for assertions
}

// NewMockClient creates a mock client with predefined responses.
func NewMockClient(modelName string, responses []CompletionResponse, errors []error) *MockClient {
	return &MockClient{
		modelName: modelName,
		responses: responses,
		errors:    errors,
	}
}

// NewMockClientWithText is a shorthand for a mock that returns the given
// text bodies in order with no errors.
func NewMockClientWithText(modelName string, texts ...string) *MockClient {
	responses := make([]CompletionResponse, len(texts))
	for i, t := range texts {
		responses[i] = CompletionResponse{Content: t, StopReason: "end_turn", Model: modelName}
	}
	return NewMockClient(modelName, responses, nil)
}

// Complete returns the next predefined response or error.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if m.errorIndex < len(m.errors) {
		err := m.errors[m.errorIndex]
		m.errorIndex++
		if err != nil {
			return CompletionResponse{}, err
		}
	}

	if m.responseIndex >= len(m.responses) {
		return CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	return resp, nil
}

// GetModelName returns the configured model name.
func (m *MockClient) GetModelName() string {
	return m.modelName
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
