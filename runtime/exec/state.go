// Package exec is the durable execution orchestrator: a state machine over
// execution records persisted with optimistic concurrency control, driven by
// a cooperative dispatch loop that owns one execution at a time. The loop
// suspends at tool calls, confirmations and scheduled retries, checkpointing
// before every return of control so a different process can resume.
package exec

import (
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/plan"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusPending means the plan is accepted but no step has started.
	StatusPending Status = "PENDING"
	// StatusExecuting means the dispatch loop owns the execution.
	StatusExecuting Status = "EXECUTING"
	// StatusAwaitingConfirmation means execution is paused on a user gate.
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	// StatusCompleted means every step finished. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means execution stopped on an unrecoverable failure.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the user or operator cancelled. Terminal.
	StatusCancelled Status = "CANCELLED"
	// StatusCompensating means completed side effects are being unwound.
	StatusCompensating Status = "COMPENSATING"
	// StatusCompensated means the unwind finished. Terminal.
	StatusCompensated Status = "COMPENSATED"
)

// transitions is the closed transition relation. Anything not listed fails
// with STATE_TRANSITION_INVALID.
var transitions = map[Status][]Status{
	StatusPending:              {StatusExecuting, StatusCancelled},
	StatusExecuting:            {StatusCompleted, StatusFailed, StatusAwaitingConfirmation, StatusCancelled, StatusCompensating},
	StatusAwaitingConfirmation: {StatusExecuting, StatusCancelled, StatusFailed},
	StatusFailed:               {StatusCompensating},
	StatusCompensating:         {StatusCompensated, StatusFailed},
}

// Terminal reports whether the status is a sink.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusCompensated
}

// CanTransition reports whether from → to is in the transition relation.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	// StepPending means the step has not been dispatched.
	StepPending StepStatus = "pending"
	// StepInProgress means the tool call is in flight.
	StepInProgress StepStatus = "in_progress"
	// StepCompleted means the tool call succeeded.
	StepCompleted StepStatus = "completed"
	// StepFailed means the tool call failed without recovery.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step was bypassed (duplicate or policy skip).
	StepSkipped StepStatus = "skipped"
)

// Settled reports whether the step needs no further dispatch.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

type (
	// ExecutionState is the durable record of one execution. Only the
	// lock-holding dispatch loop mutates it; every mutation increments
	// Version by exactly one.
	ExecutionState struct {
		// ExecutionID identifies the execution.
		ExecutionID string `json:"execution_id"`
		// UserID is the acting user, used for idempotency keys.
		UserID string `json:"user_id,omitempty"`
		// Plan is the immutable DAG being executed.
		Plan plan.Plan `json:"plan"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// CurrentStepIndex is the topological index dispatch resumes at.
		CurrentStepIndex int `json:"current_step_index"`
		// StepStates tracks each step, indexed parallel to Plan.Steps.
		StepStates []StepState `json:"step_states"`
		// Transitions is the append-only status transition log.
		Transitions []Transition `json:"transitions"`
		// Context carries execution-scoped values: step results under
		// "step_result:{index}", confirmation flags, boundary headers.
		Context map[string]any `json:"context"`
		// Version is the record version, monotonic and contiguous.
		Version int64 `json:"version"`
		// CreatedAt is when the plan was accepted.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the time of the last mutation.
		UpdatedAt time.Time `json:"updated_at"`
		// CompletedAt is set when a terminal status is reached.
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		// Error holds the terminal error for failed executions.
		Error *ExecutionError `json:"error,omitempty"`
	}

	// StepState is the mutable record of one plan step.
	StepState struct {
		// StepID references the plan step.
		StepID string `json:"step_id"`
		// Status is the step lifecycle state.
		Status StepStatus `json:"status"`
		// Input is the resolved parameters the tool was invoked with.
		Input map[string]any `json:"input,omitempty"`
		// Output is the tool result for completed steps.
		Output any `json:"output,omitempty"`
		// Error describes the failure for failed steps.
		Error *ExecutionError `json:"error,omitempty"`
		// StartedAt is when dispatch began.
		StartedAt *time.Time `json:"started_at,omitempty"`
		// CompletedAt is when the step settled.
		CompletedAt *time.Time `json:"completed_at,omitempty"`
		// LatencyMs is the tool call latency.
		LatencyMs int64 `json:"latency_ms,omitempty"`
		// Attempts counts dispatches including retries.
		Attempts int `json:"attempts"`
	}

	// Transition is one entry in the status transition log.
	Transition struct {
		From      Status    `json:"from"`
		To        Status    `json:"to"`
		Timestamp time.Time `json:"timestamp"`
		Reason    string    `json:"reason,omitempty"`
	}

	// ExecutionError is the wire-stable error shape persisted on states.
	ExecutionError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		StepID  string `json:"step_id,omitempty"`
	}
)

// NewState builds a PENDING execution state for the plan.
func NewState(executionID, userID string, p plan.Plan, execCtx map[string]any, now time.Time) *ExecutionState {
	steps := make([]StepState, len(p.Steps))
	for i, step := range p.Steps {
		steps[i] = StepState{StepID: step.ID, Status: StepPending}
	}
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	return &ExecutionState{
		ExecutionID: executionID,
		UserID:      userID,
		Plan:        p,
		Status:      StatusPending,
		StepStates:  steps,
		Context:     execCtx,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// Transit moves the state to the requested status, appending to the
// transition log. Invalid transitions fail with STATE_TRANSITION_INVALID and
// leave the state untouched.
func (s *ExecutionState) Transit(to Status, reason string, now time.Time) error {
	if s.Status == to {
		return nil
	}
	if !CanTransition(s.Status, to) {
		return execerrors.Newf(execerrors.CodeStateTransitionInvalid,
			"cannot transition %s from %s to %s", s.ExecutionID, s.Status, to)
	}
	s.Transitions = append(s.Transitions, Transition{
		From:      s.Status,
		To:        to,
		Timestamp: now.UTC(),
		Reason:    reason,
	})
	s.Status = to
	if to.Terminal() || to == StatusFailed {
		t := now.UTC()
		s.CompletedAt = &t
	}
	return nil
}

// Step returns the step state for the given plan step ID.
func (s *ExecutionState) Step(stepID string) *StepState {
	for i := range s.StepStates {
		if s.StepStates[i].StepID == stepID {
			return &s.StepStates[i]
		}
	}
	return nil
}

// Confirmed reports whether a user confirmation is recorded in the context.
func (s *ExecutionState) Confirmed() bool {
	confirmed, _ := s.Context[ContextKeyConfirmed].(bool)
	return confirmed
}

// ReadyStepIndexes returns the indexes of pending steps whose dependencies
// all completed, in ascending step-number order. Steps depending on a failed
// or skipped step are not ready and never will be.
func (s *ExecutionState) ReadyStepIndexes() []int {
	var ready []int
	for i, step := range s.Plan.Steps {
		if s.StepStates[i].Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range step.Dependencies {
			if st := s.Step(dep); st == nil || st.Status != StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}

// Unsettled reports whether any step still needs dispatch.
func (s *ExecutionState) Unsettled() bool {
	for _, step := range s.StepStates {
		if !step.Status.Settled() {
			return true
		}
	}
	return false
}

// Context keys used by the orchestrator.
const (
	// ContextKeyConfirmed records the user's go-ahead for confirmation gates.
	ContextKeyConfirmed = "confirmed"
	// ContextKeyCorrelationID is the boundary correlation header.
	ContextKeyCorrelationID = "correlation_id"
	// ContextKeyIdempotencyKey is the boundary idempotency header.
	ContextKeyIdempotencyKey = "idempotency_key"
	// ContextKeyUserMessage holds the rendered escalation message.
	ContextKeyUserMessage = "user_message"
	// ContextKeyDrift records the drift recommendation applied on resume.
	ContextKeyDrift = "drift_recommendation"
)
