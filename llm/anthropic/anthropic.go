// Package anthropic adapts the Anthropic Messages API to the llm.Provider
// interface.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/waypointhq/waypoint/llm"
)

// Options configure the Anthropic provider adapter.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Provider wraps the Anthropic Messages API behind llm.Provider.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// NewProvider creates a provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.6,
		MaxTokens:   512,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.6,
		MaxTokens:   512,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Generate implements non-streaming generation. Streaming is not supported
// by this adapter yet; requests asking for it get an error.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (<-chan llm.Chunk, <-chan error) {
	out := make(chan llm.Chunk, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		if req.Stream {
			errCh <- fmt.Errorf("streaming not supported by the anthropic provider")
			return
		}

		model := p.opts.Model
		if req.Model != "" {
			model = anthropic.Model(req.Model)
		}
		temperature := p.opts.Temperature
		if req.Temperature != 0 {
			temperature = req.Temperature
		}
		maxTokens := p.opts.MaxTokens
		if req.MaxTokens != 0 {
			maxTokens = req.MaxTokens
		}

		var system []anthropic.TextBlockParam
		var messages []anthropic.MessageParam
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				if m.Content != "" {
					system = append(system, anthropic.TextBlockParam{Text: m.Content})
				}
			case "assistant":
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			default:
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}

		params := anthropic.MessageNewParams{
			Model:       model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(temperature),
		}
		if len(system) > 0 {
			params.System = system
		}

		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.AsText().Text)
			}
		}
		out <- llm.Chunk{Text: text.String(), Final: true}
	}()
	return out, errCh
}

// Info returns metadata describing this provider.
func (p *Provider) Info() llm.Info {
	return llm.Info{Name: string(p.opts.Model), Provider: "anthropic"}
}
