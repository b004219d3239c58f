// Package tools implements the typed tool registry: versioned registration,
// JSON-schema validation of inputs and outputs, and dispatch under a per-call
// timeout. The orchestrator invokes tools exclusively through this package.
package tools

import (
	"context"
	"time"

	"goa.design/conductor/runtime/execerrors"
)

type (
	// Definition describes a registered tool.
	Definition struct {
		// Name is the fully-qualified tool name (e.g. "calendar.create").
		Name string
		// Version is the tool semver (e.g. "1.2.0"). Defaults to "1.0.0".
		Version string
		// Description is shown to planners and users.
		Description string
		// InputSchema is the JSON schema for the tool parameters. Required.
		InputSchema map[string]any
		// ReturnSchema optionally constrains the tool output.
		ReturnSchema map[string]any
		// RequiresConfirmation marks the tool as gated behind explicit user
		// approval before execution.
		RequiresConfirmation bool
		// Tags carries routing and policy metadata.
		Tags []string
		// DefaultTimeout bounds execution when the plan step does not set one.
		// Defaults to 30s.
		DefaultTimeout time.Duration
	}

	// Handler is a tool implementation. Params have been validated against
	// the input schema before the handler runs. Handlers must honor ctx
	// cancellation: the registry abandons calls whose deadline elapsed.
	Handler func(ctx context.Context, params map[string]any) (any, error)

	// Result is the outcome of a tool invocation.
	Result struct {
		// Success reports whether the tool completed without error.
		Success bool
		// Output is the tool return value on success.
		Output any
		// Error describes the failure when Success is false.
		Error *execerrors.Error
		// LatencyMs is the wall-clock execution time in milliseconds.
		LatencyMs int64
	}

	// ValidationIssue is a single schema validation failure.
	ValidationIssue struct {
		// Path is the JSON pointer of the offending value.
		Path string
		// Message describes the violation.
		Message string
		// Code is a stable machine-readable issue kind.
		Code string
	}

	// SchemaMismatch summarizes a parameter/schema divergence for schema
	// evolution tracking: fields the schema expects, fields supplied but not
	// declared, and required fields that were missing.
	SchemaMismatch struct {
		ToolName   string
		Expected   []string
		Unexpected []string
		Missing    []string
	}

	// MismatchRecorder receives schema mismatches asynchronously. Wired when
	// a schema-evolution collaborator is configured; see intent.Normalizer.
	MismatchRecorder interface {
		RecordMismatch(ctx context.Context, mismatch SchemaMismatch)
	}
)

// DefaultTimeout is the fallback execution budget.
const DefaultTimeout = 30 * time.Second
