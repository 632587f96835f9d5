// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements step-dispatching agents: each agent owns a closed
// map from step name to handler and sends unknown steps to a generic
// language-model handler.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/llm"
	"github.com/jllopis/careflow/pkg/telemetry"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Agent executes workflow steps and contributes to collaborations.
type Agent interface {
	ID() string
	Capability() string
	// Execute never panics and never returns an error: every fault becomes
	// a failed result.
	Execute(ctx context.Context, step workflow.Step, wctx *workflow.Context) workflow.ExecutionResult
	Contribute(ctx context.Context, goal string, ws collab.Workspace) (collab.Contribution, error)
}

// Sampling is the resolved collaborator sampling for one call.
type Sampling struct {
	Temperature float64
	MaxTokens   int
}

// Handler implements one step. The returned map becomes the step output.
type Handler func(ctx context.Context, req *Request) (map[string]any, error)

// Route binds a step name to its handler and default sampling. A nil
// temperature or zero max tokens inherits the agent default.
type Route struct {
	Step     string
	Sampling workflow.Sampling
	Handle   Handler
}

func temp(f float64) *float64 { return &f }

// Request is what a handler sees: the step, a snapshot of the run context,
// and the sampling resolved for this step.
type Request struct {
	Step     workflow.Step
	Context  *workflow.Context
	Sampling Sampling

	agent *Base
}

// Generate calls the collaborator with the request's sampling.
func (r *Request) Generate(ctx context.Context, system, user string) (string, error) {
	if r.agent.llm == nil {
		return "", errors.New(errors.CodeUpstream, "no language-model collaborator configured", nil)
	}
	resp, err := r.agent.llm.Generate(ctx, llm.Request{
		System:      system,
		User:        user,
		Temperature: r.Sampling.Temperature,
		MaxTokens:   r.Sampling.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// RequireInput returns Input[key] as a string or an INVALID_INPUT error.
func (r *Request) RequireInput(key string) (string, error) {
	v, ok := r.Context.InputString(key)
	if !ok {
		return "", errors.Newf(errors.CodeInvalidInput, "missing required input: %s", key).
			WithContext("step", r.Step.Name)
	}
	return v, nil
}

// Upstream looks key up in earlier step outputs, checking the step's
// declared dependencies first and then the remaining steps by name.
func (r *Request) Upstream(key string) (any, bool) {
	for _, dep := range r.Step.DependsOn {
		if out, ok := r.Context.Result(dep); ok {
			if v, ok := out[key]; ok {
				return v, true
			}
		}
	}
	names := make([]string, 0, len(r.Context.IntermediateResults))
	for name := range r.Context.IntermediateResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, ok := r.Context.IntermediateResults[name][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Prompt renders the input followed by prior step outputs as key=value lines.
func (r *Request) Prompt() string {
	var b strings.Builder
	b.WriteString(r.Context.FormatInput())
	names := make([]string, 0, len(r.Context.IntermediateResults))
	for name := range r.Context.IntermediateResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := r.Context.IntermediateResults[name]
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s.%s=%v", name, k, out[k])
		}
	}
	return strings.TrimPrefix(b.String(), "\n")
}

// Base is the shared Agent implementation; concrete agents are Base values
// built with their own routes.
type Base struct {
	id         string
	capability string
	llm        llm.Collaborator
	routes     map[string]Route
	defaults   Sampling
	overrides  map[string]workflow.Sampling
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Base agent.
type Option func(*Base) error

// WithCollaborator sets the language-model collaborator.
func WithCollaborator(c llm.Collaborator) Option {
	return func(b *Base) error {
		b.llm = c
		return nil
	}
}

// WithDefaultSampling sets the sampling used by the generic handler and by
// routes that leave their own sampling zero.
func WithDefaultSampling(s Sampling) Option {
	return func(b *Base) error {
		if s.Temperature < 0 || s.Temperature > 1 {
			return fmt.Errorf("default temperature %.2f outside [0,1]", s.Temperature)
		}
		b.defaults = s
		return nil
	}
}

// WithStepSampling sets configured sampling per step name. It sits between
// the step's own override and the route default.
func WithStepSampling(m map[string]workflow.Sampling) Option {
	return func(b *Base) error {
		for name, s := range m {
			b.overrides[name] = s
		}
		return nil
	}
}

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) error {
		if l != nil {
			b.logger = l
		}
		return nil
	}
}

// New builds an agent from its routes. Step names must be unique.
func New(id, capability string, routes []Route, opts ...Option) (*Base, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	b := &Base{
		id:         id,
		capability: capability,
		routes:     make(map[string]Route, len(routes)),
		defaults:   Sampling{Temperature: 0.7, MaxTokens: 512},
		overrides:  make(map[string]workflow.Sampling),
		logger:     slog.Default(),
		tracer:     otel.Tracer("careflow/agent"),
		now:        time.Now,
	}
	for _, r := range routes {
		if r.Handle == nil {
			return nil, fmt.Errorf("agent %s: route %s has no handler", id, r.Step)
		}
		if _, dup := b.routes[r.Step]; dup {
			return nil, fmt.Errorf("agent %s: duplicate route %s", id, r.Step)
		}
		b.routes[r.Step] = r
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	b.logger = b.logger.With("agent", id)
	return b, nil
}

func (b *Base) ID() string         { return b.id }
func (b *Base) Capability() string { return b.capability }

// Steps lists the step names with a dedicated handler.
func (b *Base) Steps() []string {
	out := make([]string, 0, len(b.routes))
	for name := range b.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handles reports whether step has a dedicated handler.
func (b *Base) Handles(step string) bool {
	_, ok := b.routes[step]
	return ok
}

// SamplingFor resolves sampling for step: the step's own override, then the
// configured value for its name, then the route default, then the agent default.
func (b *Base) SamplingFor(step workflow.Step) Sampling {
	s := b.defaults
	apply := func(o *workflow.Sampling) {
		if o == nil {
			return
		}
		if o.Temperature != nil {
			s.Temperature = *o.Temperature
		}
		if o.MaxTokens > 0 {
			s.MaxTokens = o.MaxTokens
		}
	}
	if r, ok := b.routes[step.Name]; ok {
		apply(&r.Sampling)
	}
	if o, ok := b.overrides[step.Name]; ok {
		apply(&o)
	}
	apply(step.Sampling)
	return s
}

// Execute dispatches step to its handler, or to the generic handler when the
// agent has none for it. Errors and panics become failed results.
func (b *Base) Execute(ctx context.Context, step workflow.Step, wctx *workflow.Context) (res workflow.ExecutionResult) {
	start := b.now()
	route, known := b.routes[step.Name]

	ctx, span := b.tracer.Start(ctx, "Agent.Execute", trace.WithAttributes(
		telemetry.StepAttributes(step.Name, b.id)...,
	))
	span.SetAttributes(attribute.Bool(telemetry.AttrFallback, !known))

	defer func() {
		if r := recover(); r != nil {
			res = workflow.Failed(step.Name, b.id,
				errors.New(errors.CodeHandlerFault, fmt.Sprintf("handler panic: %v", r), nil).
					WithContext("step", step.Name))
			res.Fallback = !known
		}
		res.StartedAt = start
		res.FinishedAt = b.now()
		res.Duration = res.FinishedAt.Sub(start)
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
			span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(res.Code)))
		}
		span.End()
	}()

	if wctx == nil {
		wctx = workflow.NewContext(nil)
	}
	req := &Request{Step: step, Context: wctx, Sampling: b.SamplingFor(step), agent: b}
	span.SetAttributes(attribute.Float64(telemetry.AttrTemperature, req.Sampling.Temperature))

	var (
		out map[string]any
		err error
	)
	if known {
		out, err = route.Handle(ctx, req)
	} else {
		b.logger.InfoContext(ctx, "agent.fallback", "step", step.Name)
		out, err = b.generic(ctx, req)
	}
	if err != nil {
		res = workflow.Failed(step.Name, b.id, err)
	} else {
		res = workflow.Succeeded(step.Name, b.id, out)
	}
	res.Fallback = !known
	return res
}

// generic handles steps the agent has no route for.
func (b *Base) generic(ctx context.Context, req *Request) (map[string]any, error) {
	system := fmt.Sprintf("You are the %s agent of a healthcare administration team (%s). "+
		"Carry out the workflow step %q using the details provided and answer concisely.",
		b.id, b.capability, req.Step.Name)
	text, err := req.Generate(ctx, system, req.Context.FormatInput())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stepName": req.Step.Name,
		"handled":  true,
		"result":   text,
	}, nil
}

var confidenceLine = regexp.MustCompile(`(?im)^\s*confidence\s*[:=]\s*([0-9]*\.?[0-9]+)\s*$`)

// Contribute asks the collaborator for the agent's opinion on goal. The reply
// may end with a "confidence: <0..1>" line; without one the confidence is 0.5.
func (b *Base) Contribute(ctx context.Context, goal string, ws collab.Workspace) (collab.Contribution, error) {
	system := fmt.Sprintf("You are the %s agent of a healthcare administration team (%s). "+
		"Give your independent recommendation for the goal in a few sentences, "+
		"then a final line \"confidence: <number between 0 and 1>\".", b.id, b.capability)

	var user strings.Builder
	fmt.Fprintf(&user, "goal=%s", goal)
	for i, c := range ws.Contributions() {
		fmt.Fprintf(&user, "\nopinion.%d.%s=%s", i+1, c.AgentID, c.Text)
	}

	req := &Request{
		Step:     workflow.Step{Name: "Contribute", Agent: b.id},
		Context:  workflow.NewContext(nil),
		Sampling: b.defaults,
		agent:    b,
	}
	text, err := req.Generate(ctx, system, user.String())
	if err != nil {
		return collab.Contribution{}, err
	}

	confidence := 0.5
	if m := confidenceLine.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = v
		}
		text = strings.TrimSpace(confidenceLine.ReplaceAllString(text, ""))
	}
	return collab.Contribution{
		AgentID:       b.id,
		Text:          text,
		Confidence:    confidence,
		ContributedAt: b.now(),
	}, nil
}
