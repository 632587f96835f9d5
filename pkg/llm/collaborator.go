// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request is one call to the language-model collaborator.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Response is the collaborator's generated text.
type Response struct {
	Text  string
	Usage Usage
}

// Collaborator is the text-generation capability consumed by agents.
// Failures are *errors.FlowError with CodeUpstream, CodeRateLimit or CodeTimeout.
type Collaborator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// PromptFilter rewrites prompt text before it leaves the process.
type PromptFilter func(string) string

// Client adapts a Provider into a Collaborator with retries, a circuit
// breaker and a per-call deadline.
type Client struct {
	provider  Provider
	model     string
	maxTokens int
	timeout   time.Duration
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	filter    PromptFilter
	tracer    trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithModel sets the model name sent with every request.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithDefaultMaxTokens is used when a request does not set MaxTokens.
func WithDefaultMaxTokens(n int) ClientOption {
	return func(c *Client) { c.maxTokens = n }
}

// WithCallTimeout bounds each provider call (not the whole retry loop).
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetry replaces the retry policy.
func WithRetry(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithCircuitBreaker guards the provider with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithPromptFilter applies f to both instructions before sending.
func WithPromptFilter(f PromptFilter) ClientOption {
	return func(c *Client) { c.filter = f }
}

// NewClient wraps provider as a Collaborator.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:  provider,
		maxTokens: 1024,
		retry:     resilience.DefaultRetryConfig(),
		tracer:    otel.Tracer("careflow/llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends req to the provider.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Temperature < 0 || req.Temperature > 1 {
		return nil, errors.Newf(errors.CodeInvalidInput, "temperature %.2f outside [0,1]", req.Temperature)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.maxTokens
	}
	if c.filter != nil {
		req.System = c.filter(req.System)
		req.User = c.filter(req.User)
	}

	ctx, span := c.tracer.Start(ctx, "LLM.Generate", trace.WithAttributes(
		attribute.String("llm.model", c.model),
		attribute.Float64("llm.temperature", req.Temperature),
		attribute.Int("llm.max_tokens", req.MaxTokens),
	))
	defer span.End()

	chat := ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: RoleSystem, Content: req.System},
			{Role: RoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp *ChatResponse
	call := func(ctx context.Context) error {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		out, err := c.provider.Chat(callCtx, chat)
		if err != nil {
			return normalizeError(callCtx, err)
		}
		if out == nil || strings.TrimSpace(out.Content) == "" {
			return errors.New(errors.CodeUpstream, "empty collaborator response", nil)
		}
		resp = out
		return nil
	}

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if c.breaker != nil {
			return c.breaker.Call(ctx, call)
		}
		return call(ctx)
	})
	if err != nil {
		err = normalizeError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.tokens.total", resp.Usage.TotalTokens))
	if resp.Model != "" {
		span.SetAttributes(attribute.String("llm.model.served", resp.Model))
	}
	return &Response{Text: strings.TrimSpace(resp.Content), Usage: resp.Usage}, nil
}

func normalizeError(ctx context.Context, err error) error {
	var fe *errors.FlowError
	isFlow := stderrors.As(err, &fe)
	if isFlow && fe.Code == errors.CodeTimeout {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New(errors.CodeTimeout, resilience.TimeoutMessage, err)
	}
	if isFlow {
		return err
	}
	return errors.New(errors.CodeUpstream, "collaborator call failed", err)
}
