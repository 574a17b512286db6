package model

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rendis/agentflow/pkg/schema"
)

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint
// (Fireworks serves the Kimi models this way).
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates a provider. An empty baseURL uses OpenAI's.
func NewOpenAIProvider(name, baseURL, token string) *OpenAIProvider {
	config := openai.DefaultConfig(token)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIProvider{name: name, client: openai.NewClientWithConfig(config)}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeInvocation, "model %q returned no choices", req.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenAIProvider)(nil)
