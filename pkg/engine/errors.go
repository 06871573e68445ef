// Package engine provides the core types and interfaces for the Stagecoach
// deployment orchestration engine. It defines the run lifecycle:
// Plan -> Approve -> Apply (setup) -> Publish -> Apply (deploy) -> Roll out.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, registry temporarily unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict such as a held stage lock.
	// Retryable with backoff up to a bounded number of attempts.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid manifest, denied credential scope, build failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for the failure modes a run can surface. Every error the engine
// returns carries one of these so callers can react without string matching.
const (
	ErrCodeLockContention         = "LOCK_CONTENTION"
	ErrCodeStaleLock              = "STALE_LOCK"
	ErrCodeObservationUnavailable = "OBSERVATION_UNAVAILABLE"
	ErrCodeScopeDenied            = "SCOPE_DENIED"
	ErrCodeBuildFailure           = "BUILD_FAILURE"
	ErrCodePushFailure            = "PUSH_FAILURE"
	ErrCodeApplyFailure           = "APPLY_FAILURE"
	ErrCodeHealthCheckTimeout     = "HEALTH_CHECK_TIMEOUT"
	ErrCodeWorkloadUnavailable    = "WORKLOAD_UNAVAILABLE"

	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDependencyConflict = "DEPENDENCY_CONFLICT"
	ErrCodeApprovalRequired   = "APPROVAL_REQUIRED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// EngineError represents a classified error with run context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the failure mode programmatically.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Stage is the stage being operated on, if applicable.
	Stage string `json:"stage,omitempty"`

	// Node is the resource node that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Stage != "" || e.Node != "" || e.Operation != "" {
		msg += " ("
		sep := ""
		if e.Stage != "" {
			msg += "stage=" + e.Stage
			sep = ", "
		}
		if e.Node != "" {
			msg += sep + "node=" + e.Node
			sep = ", "
		}
		if e.Operation != "" {
			msg += sep + "operation=" + e.Operation
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage StageName) *EngineError {
	e.Stage = string(stage)
	return e
}

// WithNode adds resource node context to an error.
func (e *EngineError) WithNode(node string) *EngineError {
	e.Node = node
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the engine error code carried by err, or empty if err is not
// an EngineError.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
