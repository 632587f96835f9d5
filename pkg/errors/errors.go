// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling for careflow workflow runs.
//
// Every per-step fault is eventually converted into data (a failed
// workflow.ExecutionResult). The Code carried by a FlowError is what lets a
// caller tell "didn't run" apart from "ran and failed".
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies careflow errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates caller input was invalid, including a step
	// handler missing a required input key.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidWorkflow indicates a malformed workflow definition.
	CodeInvalidWorkflow ErrorCode = "INVALID_WORKFLOW"

	// CodeNotFound indicates a resource (workflow, run) was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeAgentNotFound indicates a step targets an agent that is not registered.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeHandlerFault indicates a step handler failed or panicked.
	CodeHandlerFault ErrorCode = "HANDLER_FAULT"

	// CodeUpstream indicates the language-model collaborator failed.
	CodeUpstream ErrorCode = "UPSTREAM_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates the collaborator rate limited the call.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeUpstreamFailed marks a step skipped because a dependency failed.
	CodeUpstreamFailed ErrorCode = "UPSTREAM_FAILED"

	// CodeAborted marks a step skipped because the run stopped on first failure.
	CodeAborted ErrorCode = "ABORTED"

	// CodeContextLost indicates the caller context was cancelled.
	CodeContextLost ErrorCode = "CONTEXT_LOST"
)

// FlowError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type FlowError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // For HTTP responses
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *FlowError) MarshalJSON() ([]byte, error) {
	payload := struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
	}
	if e.Err != nil {
		payload.Err = e.Err.Error()
	}
	return json.Marshal(payload)
}

// New creates a new FlowError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *FlowError {
	return &FlowError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *FlowError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *FlowError) WithContext(key string, value interface{}) *FlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *FlowError) WithAttribute(key, value string) *FlowError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *FlowError) WithRecoverable(recoverable bool) *FlowError {
	e.Recoverable = recoverable
	return e
}

// AsFlowError finds a FlowError in the chain of err.
// Unknown errors are wrapped as CodeInternal.
func AsFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if stderrors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first FlowError in the chain of err,
// or CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *FlowError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeAgentNotFound:
		return 404
	case CodeInvalidInput, CodeInvalidWorkflow:
		return 400
	case CodeTimeout:
		return 504
	case CodeRateLimit:
		return 429
	case CodeUpstream:
		return 502
	default:
		return 500
	}
}
