// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/careflow/pkg/errors"
)

// WorkflowMetrics records step and run outcomes. A nil *WorkflowMetrics is a no-op.
type WorkflowMetrics struct {
	steps    metric.Int64Counter
	duration metric.Float64Histogram
	runs     metric.Int64Counter
	errs     metric.Int64Counter
}

// NewWorkflowMetrics registers the careflow instruments on the global meter provider.
func NewWorkflowMetrics() (*WorkflowMetrics, error) {
	return NewWorkflowMetricsWithMeter(otel.Meter("careflow/orchestrator"))
}

// NewWorkflowMetricsWithMeter registers the instruments on meter.
func NewWorkflowMetricsWithMeter(meter metric.Meter) (*WorkflowMetrics, error) {
	steps, err := meter.Int64Counter(
		"careflow.steps.total",
		metric.WithDescription("Executed steps by agent and outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"careflow.step.duration_ms",
		metric.WithDescription("Step duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	runs, err := meter.Int64Counter(
		"careflow.runs.total",
		metric.WithDescription("Workflow runs by workflow and outcome"),
	)
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter(
		"careflow.errors.total",
		metric.WithDescription("Step failures by error code"),
	)
	if err != nil {
		return nil, err
	}
	return &WorkflowMetrics{steps: steps, duration: duration, runs: runs, errs: errs}, nil
}

// RecordStep records one finished step. err is nil for successful steps.
func (m *WorkflowMetrics) RecordStep(ctx context.Context, step, agentID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrStepName, step),
		attribute.String(AttrAgentID, agentID),
		attribute.Bool(AttrSuccess, err == nil),
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.duration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attrs...))
	if err != nil {
		m.errs.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrErrorCode, string(errors.CodeOf(err))),
			attribute.String(AttrAgentID, agentID),
		))
	}
}

// RecordRun records one finished run.
func (m *WorkflowMetrics) RecordRun(ctx context.Context, workflowID string, success bool) {
	if m == nil {
		return
	}
	if workflowID == "" {
		workflowID = "adhoc"
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkflowID, workflowID),
		attribute.Bool(AttrSuccess, success),
	))
}
