// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs workflow definitions: it schedules steps in
// dependency order, runs independent steps concurrently, isolates per-step
// failures and returns one result per step in definition order.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/errors"
	"github.com/jllopis/careflow/pkg/telemetry"
	"github.com/jllopis/careflow/pkg/workflow"
)

// Agents resolves agent ids. *agent.Registry satisfies it.
type Agents interface {
	Get(id string) (agent.Agent, bool)
}

// Run is the record of one workflow run.
type Run struct {
	ID         string                     `json:"id"`
	WorkflowID string                     `json:"workflowId,omitempty"`
	Input      map[string]any             `json:"input"`
	Results    []workflow.ExecutionResult `json:"results"`
	Summary    workflow.Summary           `json:"summary"`
	StartedAt  time.Time                  `json:"startedAt"`
	FinishedAt time.Time                  `json:"finishedAt"`
}

// Orchestrator executes workflow definitions against a set of agents.
// It keeps no per-run state and is safe for concurrent use.
type Orchestrator struct {
	agents             Agents
	catalog            *workflow.Catalog
	stepTimeout        time.Duration
	maxConcurrency     int
	stopOnFirstFailure bool
	logger             *slog.Logger
	tracer             trace.Tracer
	metrics            *telemetry.WorkflowMetrics
	newID              func() string
	now                func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStepTimeout sets the default per-step deadline. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithMaxConcurrency bounds how many steps run at once.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithStopOnFirstFailure aborts every step not yet started once a step fails.
func WithStopOnFirstFailure(stop bool) Option {
	return func(o *Orchestrator) { o.stopOnFirstFailure = stop }
}

// WithCatalog enables Run by workflow id.
func WithCatalog(c *workflow.Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records step and run metrics.
func WithMetrics(m *telemetry.WorkflowMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator resolving agents from agents.
func New(agents Agents, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:         agents,
		stepTimeout:    60 * time.Second,
		maxConcurrency: 4,
		logger:         slog.Default(),
		tracer:         otel.Tracer("careflow/orchestrator"),
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Catalog returns the configured catalog, or nil.
func (o *Orchestrator) Catalog() *workflow.Catalog { return o.catalog }

// Run resolves workflowID from the catalog and runs it.
func (o *Orchestrator) Run(ctx context.Context, workflowID string, input map[string]any) (*Run, error) {
	if o.catalog == nil {
		return nil, errors.New(errors.CodeNotFound, "no workflow catalog configured", nil)
	}
	def, err := o.catalog.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, def, input)
}

// RunWorkflow runs def and returns one result per step in definition order.
// Only contract violations in def are returned as errors; step faults are
// reported in the results.
func (o *Orchestrator) RunWorkflow(ctx context.Context, def *workflow.Definition, input map[string]any) ([]workflow.ExecutionResult, error) {
	run, err := o.Execute(ctx, def, input)
	if err != nil {
		return nil, err
	}
	return run.Results, nil
}

// Execute is RunWorkflow returning the full run record.
func (o *Orchestrator) Execute(ctx context.Context, def *workflow.Definition, input map[string]any) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:         o.newID(),
		WorkflowID: def.ID,
		Input:      input,
		StartedAt:  o.now(),
	}
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run", trace.WithAttributes(
		telemetry.RunAttributes(run.ID, def.ID, len(def.Steps))...,
	))
	defer span.End()
	ctx = telemetry.WithRun(ctx, run.ID, def.ID)

	logger := o.logger.With("run_id", run.ID)
	if def.ID != "" {
		logger = logger.With("workflow", def.ID)
	}
	logger.InfoContext(ctx, "orchestrator.run.start", "steps", len(def.Steps))

	s := newScheduler(o, def, input, logger)
	run.Results = s.run(ctx)
	run.FinishedAt = o.now()
	run.Summary = workflow.Summarize(run.Results)

	ok := run.Summary.OK()
	span.SetAttributes(
		attribute.Bool(telemetry.AttrSuccess, ok),
		attribute.Int("careflow.run.failed", run.Summary.Failed),
		attribute.Int("careflow.run.skipped", run.Summary.Skipped),
	)
	if !ok {
		span.SetStatus(codes.Error, "one or more steps failed")
	}
	o.metrics.RecordRun(ctx, def.ID, ok)
	logger.InfoContext(ctx, "orchestrator.run.complete",
		"succeeded", run.Summary.Succeeded,
		"failed", run.Summary.Failed,
		"skipped", run.Summary.Skipped,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)
	return run, nil
}
