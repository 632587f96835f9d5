// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for the OpenAI chat completions API and
// compatible gateways.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	model   string
	options []option.RequestOption
}

// WithOpenAIModel sets the model used when a request names none.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithOpenAIBaseURL points the client at a proxy or compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		if url != "" {
			c.options = append(c.options, option.WithBaseURL(url))
		}
	}
}

// WithOpenAIAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) {
		if key != "" {
			c.options = append(c.options, option.WithAPIKey(key))
		}
	}
}

// NewOpenAI creates an OpenAIProvider. Retries are left to the Client.
func NewOpenAI(opts ...OpenAIOption) *OpenAIProvider {
	cfg := openAIConfig{
		model:   "gpt-5-mini",
		options: []option.RequestOption{option.WithMaxRetries(0)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIProvider{
		client: openai.NewClient(cfg.options...),
		model:  cfg.model,
	}
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}

	resp := &ChatResponse{
		Model: completion.Model,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if len(completion.Choices) > 0 {
		resp.Content = completion.Choices[0].Message.Content
	}
	return resp, nil
}
