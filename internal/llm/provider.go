package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safety-monitor/internal/cost"
	"github.com/sells-group/safety-monitor/pkg/anthropic"
	"github.com/sells-group/safety-monitor/pkg/openai"
)

// Completion is one raw provider answer.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is one model backend behind the gateway.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ClaudeProvider serves requests through the Anthropic Messages API.
type ClaudeProvider struct {
	client anthropic.Client
	model  string
}

// NewClaudeProvider wraps an Anthropic client.
func NewClaudeProvider(client anthropic.Client, model string) *ClaudeProvider {
	return &ClaudeProvider{client: client, model: model}
}

// Name implements Provider.
func (p *ClaudeProvider) Name() string { return cost.ProviderClaude }

// Model implements Provider.
func (p *ClaudeProvider) Model() string { return p.model }

// Complete implements Provider.
func (p *ClaudeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, &Error{Kind: InvalidResponse, Provider: p.Name(), Err: eris.New("empty response")}
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Completion{
		Text:         text,
		Model:        model,
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// OpenAIProvider serves requests through an OpenAI-compatible API.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider wraps an OpenAI client.
func NewOpenAIProvider(client openai.Client, model string) *OpenAIProvider {
	return &OpenAIProvider{client: client, model: model}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return cost.ProviderOpenAI }

// Model implements Provider.
func (p *OpenAIProvider) Model() string { return p.model }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	var msgs []openai.Message
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openai.Message{Role: "user", Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		n := int(req.MaxTokens)
		creq.MaxTokens = &n
	}
	if req.JSON {
		creq.ResponseFormat = openai.JSONObject
	}

	resp, err := p.client.ChatCompletion(ctx, creq)
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, &Error{Kind: InvalidResponse, Provider: p.Name(), Err: eris.New("empty response")}
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Completion{
		Text:         text,
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
