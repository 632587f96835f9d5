// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("connection refused")
	fe := New(CodeUpstream, "collaborator unreachable", cause)

	if fe.Code != CodeUpstream {
		t.Errorf("expected CodeUpstream, got %v", fe.Code)
	}
	if fe.Message != "collaborator unreachable" {
		t.Errorf("unexpected message %q", fe.Message)
	}
	if !errors.Is(fe, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContextAndAttributes(t *testing.T) {
	fe := New(CodeHandlerFault, "handler failed", nil).
		WithContext("step", "Triage").
		WithAttribute("agent.id", "triage")

	if fe.Context["step"] != "Triage" {
		t.Errorf("expected context step to be 'Triage'")
	}
	if fe.Attributes["agent.id"] != "triage" {
		t.Errorf("expected attribute agent.id")
	}
	if fe.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	if !fe.WithRecoverable(true).Recoverable {
		t.Errorf("expected recoverable after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		fe       *FlowError
		expected string
	}{
		{
			name:     "with cause",
			fe:       New(CodeTimeout, "step timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] step timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			fe:       Newf(CodeAgentNotFound, "agent not found: %s", "GhostAgent"),
			expected: "[AGENT_NOT_FOUND] agent not found: GhostAgent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fe.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAsFlowError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "already FlowError", err: New(CodeUpstream, "failed", nil), expected: CodeUpstream},
		{name: "wrapped FlowError", err: fmt.Errorf("step: %w", New(CodeTimeout, "slow", nil)), expected: CodeTimeout},
		{name: "generic error", err: errors.New("generic error"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := AsFlowError(tt.err)
			if tt.expected == "" {
				if fe != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if fe == nil || fe.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, fe)
			}
			if !HasCode(tt.err, tt.expected) {
				t.Errorf("HasCode(%v) = false", tt.expected)
			}
		})
	}
}

func TestMarshalJSON(t *testing.T) {
	fe := New(CodeUpstream, "collaborator failed", errors.New("status 503")).
		WithContext("step", "Notify").
		WithRecoverable(true)

	data, err := json.Marshal(fe)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["code"] != "UPSTREAM_ERROR" {
		t.Errorf("expected code UPSTREAM_ERROR, got %v", result["code"])
	}
	if result["error"] != "status 503" {
		t.Errorf("expected cause in payload, got %v", result["error"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{CodeNotFound, 404},
		{CodeAgentNotFound, 404},
		{CodeInvalidInput, 400},
		{CodeInvalidWorkflow, 400},
		{CodeTimeout, 504},
		{CodeRateLimit, 429},
		{CodeUpstream, 502},
		{CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "test", nil).StatusCode; got != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, got)
			}
		})
	}
}
