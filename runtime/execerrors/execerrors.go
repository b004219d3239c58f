// Package execerrors defines the canonical error taxonomy shared by the
// planner, orchestrator, tool registry, and concurrency substrate. Errors
// carry a wire-stable code, a recoverability flag, and optional structured
// details so expected-failure paths (triage, CAS conflicts) can be handled
// as values without unwinding the stack.
package execerrors

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a canonical error kind. Codes are wire-stable: they are
// persisted on execution states and surfaced across process boundaries, so
// their string values must never change.
type Code string

const (
	// CodePlanGenerationFailed indicates the planner could not produce a raw plan.
	CodePlanGenerationFailed Code = "PLAN_GENERATION_FAILED"
	// CodePlanValidationFailed indicates a plan violated structural or safety constraints.
	CodePlanValidationFailed Code = "PLAN_VALIDATION_FAILED"
	// CodePlanCircularDependency indicates a cycle was detected in the plan DAG.
	CodePlanCircularDependency Code = "PLAN_CIRCULAR_DEPENDENCY"

	// CodeToolNotFound indicates the requested tool is not registered.
	CodeToolNotFound Code = "TOOL_NOT_FOUND"
	// CodeToolValidationFailed indicates tool input or output failed schema validation.
	CodeToolValidationFailed Code = "TOOL_VALIDATION_FAILED"
	// CodeToolExecutionFailed indicates the tool implementation returned an error.
	CodeToolExecutionFailed Code = "TOOL_EXECUTION_FAILED"
	// CodeStepTimeout indicates a single step exceeded its timeout budget.
	CodeStepTimeout Code = "STEP_TIMEOUT"
	// CodeExecutionTimeout indicates the execution-wide deadline elapsed.
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"

	// CodeStateTransitionInvalid indicates a status transition outside the state machine.
	CodeStateTransitionInvalid Code = "STATE_TRANSITION_INVALID"
	// CodeConflict indicates an optimistic concurrency conflict (stale version).
	CodeConflict Code = "CONFLICT"
	// CodeNotFound indicates the referenced record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeMemoryOperationFailed indicates the KV store rejected an operation.
	CodeMemoryOperationFailed Code = "MEMORY_OPERATION_FAILED"
	// CodeLockAcquireFailed indicates the quorum lock could not be acquired.
	CodeLockAcquireFailed Code = "LOCK_ACQUIRE_FAILED"
	// CodeCheckpointStoreFailed indicates a checkpoint write or read failed.
	CodeCheckpointStoreFailed Code = "CHECKPOINT_STORE_FAILED"

	// CodeUnknownTool indicates normalization referenced a tool the registry does not know.
	CodeUnknownTool Code = "UNKNOWN_TOOL"
	// CodeSchemaValidationFailed indicates a candidate intent failed schema validation.
	CodeSchemaValidationFailed Code = "SCHEMA_VALIDATION_FAILED"
)

// Error is the canonical structured error. It implements the standard error
// interface and supports errors.Is/As through Unwrap.
type Error struct {
	// Code is the canonical error kind.
	Code Code
	// Message is the human-readable summary.
	Message string
	// Details carries optional structured context (step IDs, versions, limits).
	Details map[string]any
	// Recoverable reports whether the caller may safely retry the failed
	// operation without running compensations first.
	Recoverable bool
	// Timestamp records when the error was created (UTC).
	Timestamp time.Time
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error that records cause as the underlying error.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithDetail returns the error with the given detail attached. The receiver
// is mutated and returned for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsRecoverable marks the error retryable and returns it for chaining.
func (e *Error) AsRecoverable() *Error {
	e.Recoverable = true
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same code. This lets
// callers match on sentinel errors built with New(code, "").
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// CodeOf extracts the canonical code from err. Returns the empty code when
// err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given canonical code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRecoverable reports whether err is a recoverable canonical error.
// Non-canonical errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}
