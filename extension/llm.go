package extension

import (
	"context"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/llm"
	"github.com/waypointhq/waypoint/llm/anthropic"
	"github.com/waypointhq/waypoint/llm/openai"
)

// InvokeLLM drives a chat completion and stores (or streams) the result:
//
//	["custom", {"name": "invoke_llm",
//	            "args": {"base_url": "https://localhost:8000",
//	                     "api_key": "PROJECT_TOKEN",
//	                     "model": "gpt-4o-mini",
//	                     "prompt": ["Summarize for {}", ["USER_NAME"]],
//	                     "temperature": 0.9,
//	                     "max_tokens": 500,
//	                     "stream": false,
//	                     "response": "SUMMARY"}}]
//
// The prompt may be a plain string, an interpolation pair, or a list of
// {role, content} messages whose contents resolve through the knowledge
// base. provider selects "openai" (default, honours base_url for
// compatible gateways) or "anthropic". Without a response key the text
// lands under LLM_RESPONSE; with stream set the emitted response carries a
// live data stream instead.
type InvokeLLM struct {
	*Base

	// newProvider is swapped out by tests.
	newProvider func(provider, baseURL, apiKey string) llm.Provider
}

// NewInvokeLLM builds the extension.
func NewInvokeLLM(ec *core.ExtensionContext) (core.Extension, error) {
	return &InvokeLLM{Base: NewBase(ec), newProvider: buildProvider}, nil
}

func buildProvider(provider, baseURL, apiKey string) llm.Provider {
	if provider == "anthropic" {
		return anthropic.NewProvider(func(o *anthropic.Options) {
			o.APIKey = apiKey
			o.BaseURL = baseURL
		})
	}
	return openai.NewProvider(func(o *openai.Options) {
		o.APIKey = apiKey
		o.BaseURL = baseURL
	})
}

// Run resolves the prompt and launches generation.
func (i *InvokeLLM) Run() error {
	apiKey, ok := i.StringArg("api_key")
	if !ok {
		i.Logger().Error("invoke_llm: missing or invalid api_key(str)")
		i.Failed(nil)
		return nil
	}
	model, ok := i.StringArg("model")
	if !ok {
		i.Logger().Error("invoke_llm: missing or invalid model(str)")
		i.Failed(nil)
		return nil
	}
	baseURL, _ := i.StringArg("base_url")
	providerName, _ := i.StringArg("provider")

	raw, hasPrompt := i.Args()["prompt"]
	if !hasPrompt {
		i.Logger().Error("invoke_llm: missing input text prompt")
		i.Failed(nil)
		return nil
	}
	messages, ok := i.resolvePrompt(raw)
	if !ok {
		i.Failed(nil)
		return nil
	}

	temperature, ok := i.FloatArg("temperature")
	if !ok {
		i.Logger().Warn("invoke_llm: missing or invalid temperature(float), using 0.6")
		temperature = 0.6
	}
	maxTokens, ok := i.FloatArg("max_tokens")
	if !ok {
		maxTokens = 512
	}
	stream, _ := i.BoolArg("stream")

	req := llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   int64(maxTokens),
		Stream:      stream,
	}
	provider := i.newProvider(providerName, baseURL, apiKey)
	out, errCh := provider.Generate(context.Background(), req)

	if stream {
		i.streamResponse(out, errCh)
		return nil
	}

	async := i.Context().Async
	go func() {
		var text string
		for chunk := range out {
			if chunk.Final {
				text = chunk.Text
			}
		}
		err := <-errCh
		async(func() { i.finish(text, err) })
	}()
	return nil
}

// streamResponse emits a live data stream fed by the provider's partial
// chunks and completes immediately; the HTTP layer drains the stream.
func (i *InvokeLLM) streamResponse(out <-chan llm.Chunk, errCh <-chan error) {
	ch := make(chan string, 32)
	go func() {
		defer close(ch)
		for chunk := range out {
			if !chunk.Final {
				ch <- chunk.Text
			}
		}
		if err := <-errCh; err != nil {
			i.Logger().Error("invoke_llm: stream aborted", "error", err)
		}
	}()

	resp := core.NewResponse(200, nil)
	resp.Stream = core.NewDataStream(ch)
	i.Emit(resp)
	i.Succeeded(nil)
}

// finish stores the generated text. Runs in session context.
func (i *InvokeLLM) finish(text string, err error) {
	kb := i.Knowledge()
	if err != nil {
		i.Logger().Error("invoke_llm: generation failed", "error", err)
		_ = kb.Set(core.KeyErrorMessage, err.Error())
		i.Failed(nil)
		_ = kb.Set(core.KeyErrorMessage, "")
		return
	}

	target := "LLM_RESPONSE"
	if t, ok := i.Args()["response"].(string); ok {
		target = t
	}
	if existing, found := kb.Get(target); found {
		if list, isList := existing.([]any); isList {
			_ = kb.Set(target, append(list, text))
			i.Succeeded(nil)
			return
		}
	}
	if setErr := kb.Set(target, text); setErr != nil {
		i.Logger().Error("invoke_llm: response target is a reserved key", "key", target)
		i.Failed(nil)
		return
	}
	i.Succeeded(nil)
}

// resolvePrompt normalizes the prompt argument into chat messages.
func (i *InvokeLLM) resolvePrompt(raw any) ([]llm.Message, bool) {
	kb := i.Knowledge()
	if s, isStr := raw.(string); isStr {
		if stored, found := kb.Get(s); found {
			raw = stored
		}
	}

	switch v := raw.(type) {
	case string:
		return []llm.Message{{Role: "user", Content: v}}, true
	case []any:
		// an interpolation pair renders to a single user message
		if text, err := kb.ResolveText(v); err == nil {
			return []llm.Message{{Role: "user", Content: text}}, true
		}
		messages := make([]llm.Message, 0, len(v))
		for _, item := range v {
			m, isMap := item.(map[string]any)
			if !isMap {
				i.Logger().Error("invoke_llm: invalid composite prompt format")
				return nil, false
			}
			role, _ := m["role"].(string)
			if role == "" {
				role = "user"
			}
			content, valid := resolveComposite(kb, m["content"])
			if !valid {
				i.Logger().Error("invoke_llm: invalid composite value in prompt")
				return nil, false
			}
			if pair, isList := content.([]any); isList {
				if text, err := kb.ResolveText(pair); err == nil {
					content = text
				}
			}
			messages = append(messages, llm.Message{Role: role, Content: core.Stringify(content)})
		}
		return messages, true
	default:
		i.Logger().Error("invoke_llm: invalid prompt", "prompt", raw)
		return nil, false
	}
}
