// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	stderrors "errors"
	"time"

	"github.com/jllopis/careflow/pkg/errors"
)

// ExecutionResult is the outcome of one step. Exactly one of Output and
// Error is populated.
type ExecutionResult struct {
	StepName   string           `json:"stepName"`
	Agent      string           `json:"agent"`
	Success    bool             `json:"success"`
	Output     map[string]any   `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Duration   time.Duration    `json:"duration"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	// Fallback marks output produced by the generic handler rather than a
	// step-specific one.
	Fallback bool `json:"fallback,omitempty"`
}

// Succeeded builds a successful result. A nil output is stored as empty.
func Succeeded(step, agent string, output map[string]any) ExecutionResult {
	if output == nil {
		output = map[string]any{}
	}
	return ExecutionResult{StepName: step, Agent: agent, Success: true, Output: output}
}

// Failed builds a failed result from err. For a FlowError the result error
// is its message and the code is kept; other errors become HANDLER_FAULT.
func Failed(step, agent string, err error) ExecutionResult {
	res := ExecutionResult{StepName: step, Agent: agent}
	var fe *errors.FlowError
	switch {
	case err == nil:
		res.Error = "step failed"
		res.Code = errors.CodeHandlerFault
	case stderrors.As(err, &fe):
		res.Error = fe.Message
		res.Code = fe.Code
	default:
		res.Error = err.Error()
		res.Code = errors.CodeHandlerFault
	}
	if res.Error == "" {
		res.Error = string(res.Code)
	}
	return res
}

// Skipped reports whether the step never ran because of another step.
func (r ExecutionResult) Skipped() bool {
	return !r.Success && (r.Code == errors.CodeUpstreamFailed || r.Code == errors.CodeAborted)
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Fallbacks int           `json:"fallbacks"`
	Duration  time.Duration `json:"duration"`
	Failures  []string      `json:"failures,omitempty"`
}

// OK reports whether every step succeeded.
func (s Summary) OK() bool { return s.Total > 0 && s.Succeeded == s.Total }

// Summarize aggregates results. Duration spans the earliest start to the
// latest finish.
func Summarize(results []ExecutionResult) Summary {
	var (
		s          = Summary{Total: len(results)}
		start, end time.Time
	)
	for _, r := range results {
		switch {
		case r.Success:
			s.Succeeded++
			if r.Fallback {
				s.Fallbacks++
			}
		case r.Skipped():
			s.Skipped++
		default:
			s.Failed++
			s.Failures = append(s.Failures, r.StepName)
		}
		if !r.StartedAt.IsZero() && (start.IsZero() || r.StartedAt.Before(start)) {
			start = r.StartedAt
		}
		if r.FinishedAt.After(end) {
			end = r.FinishedAt
		}
	}
	if !start.IsZero() && end.After(start) {
		s.Duration = end.Sub(start)
	}
	return s
}
