// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing and metrics plus a
// trace-aware slog handler for careflow.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans, metrics and logs.
const (
	AttrRunID       = "careflow.run.id"
	AttrWorkflowID  = "careflow.workflow.id"
	AttrStepName    = "careflow.step.name"
	AttrStepCount   = "careflow.step.count"
	AttrAgentID     = "careflow.agent.id"
	AttrSuccess     = "careflow.success"
	AttrErrorCode   = "careflow.error.code"
	AttrFallback    = "careflow.agent.fallback"
	AttrTemperature = "careflow.sampling.temperature"
	AttrDurationMs  = "careflow.duration_ms"
	AttrAgentCount  = "careflow.collab.agent_count"
)

// RunAttributes describes a workflow run.
func RunAttributes(runID, workflowID string, steps int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrStepCount, steps),
	}
	if workflowID != "" {
		attrs = append(attrs, attribute.String(AttrWorkflowID, workflowID))
	}
	return attrs
}

// StepAttributes describes a single step execution.
func StepAttributes(step, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepName, step),
		attribute.String(AttrAgentID, agentID),
	}
}

// OutcomeAttributes describes how a step ended. code is empty on success.
func OutcomeAttributes(success bool, code string, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool(AttrSuccess, success),
		attribute.Float64(AttrDurationMs, durationMs),
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	return attrs
}
