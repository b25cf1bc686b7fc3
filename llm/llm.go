// Package llm normalizes chat completion providers behind a single Provider
// interface so behaviour scripts can switch vendors through configuration
// alone. Adapters for OpenAI-compatible endpoints and Anthropic live in
// subpackages.
package llm

import (
	"context"
	"fmt"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request captures the normalized generation input.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Chunk is a piece of generated text. Streaming providers emit many partial
// chunks followed by one final chunk carrying the full text; non-streaming
// providers emit the final chunk only.
type Chunk struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Provider is the minimal interface the invoke_llm extension drives.
type Provider interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	Info() Info
}

// MockProvider is a lightweight in-memory Provider for tests.
type MockProvider struct {
	info      Info
	responses map[string]string
}

// NewMockProvider constructs a MockProvider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info:      Info{Name: name, Provider: "mock"},
		responses: map[string]string{},
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockProvider) AddResponse(prompt, response string) { m.responses[prompt] = response }

// Generate implements Provider; streams rune chunks when requested, then the
// final full text.
func (m *MockProvider) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		last := req.Messages[len(req.Messages)-1].Content
		full := m.responses[last]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", last)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Chunk{Text: string(r)}:
				}
			}
		}
		out <- Chunk{Text: full, Final: true}
	}()
	return out, errCh
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }
