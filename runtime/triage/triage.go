// Package triage classifies tool failures into a closed set of categories
// and recommends a recovery action. The heuristic engine is deterministic
// and always available; the semantic engine consults a structured generator
// and falls back to the heuristic on any error.
package triage

import "context"

// Category classifies a failure.
type Category string

const (
	// CategoryRateLimited means the downstream rejected for throughput.
	CategoryRateLimited Category = "RATE_LIMITED"
	// CategoryTimeout means the call exceeded its deadline.
	CategoryTimeout Category = "TIMEOUT"
	// CategoryUnavailable means the downstream is down or unreachable.
	CategoryUnavailable Category = "SERVICE_UNAVAILABLE"
	// CategoryInvalidInput means the tool rejected the parameters.
	CategoryInvalidInput Category = "INVALID_INPUT"
	// CategoryAuth means credentials were rejected.
	CategoryAuth Category = "AUTHENTICATION_FAILED"
	// CategoryNotFound means a referenced entity does not exist.
	CategoryNotFound Category = "RESOURCE_NOT_FOUND"
	// CategoryConflict means the request conflicts with downstream state,
	// such as a double booking.
	CategoryConflict Category = "RESOURCE_CONFLICT"
	// CategoryPermanent means the failure will not resolve by retrying.
	CategoryPermanent Category = "PERMANENT_FAILURE"
	// CategoryUnknown is the fallback classification.
	CategoryUnknown Category = "UNKNOWN"
)

// Action is the recovery the triage engine recommends.
type Action string

const (
	// ActionRetryModified retries immediately with altered parameters.
	ActionRetryModified Action = "RETRY_WITH_MODIFIED_PARAMS"
	// ActionRetryBackoff schedules a delayed retry.
	ActionRetryBackoff Action = "RETRY_WITH_BACKOFF"
	// ActionEscalate surfaces the failure to a human.
	ActionEscalate Action = "ESCALATE_TO_HUMAN"
	// ActionSkip marks the step skipped and continues.
	ActionSkip Action = "SKIP_STEP"
	// ActionCompensate unwinds completed steps in reverse order.
	ActionCompensate Action = "TRIGGER_COMPENSATION"
)

type (
	// Failure describes a tool failure to classify.
	Failure struct {
		// ToolName is the tool that failed.
		ToolName string
		// Message is the error text.
		Message string
		// Code is the numeric error code when the downstream supplied one.
		// Zero means none.
		Code int
	}

	// Result is the triage outcome.
	Result struct {
		// Category classifies the failure.
		Category Category `json:"category"`
		// Recoverable reports whether a retry may succeed without
		// compensation.
		Recoverable bool `json:"recoverable"`
		// Confidence is the classification confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Explanation says which rule or model produced the result.
		Explanation string `json:"explanation,omitempty"`
		// SuggestedAction is the recommended recovery.
		SuggestedAction Action `json:"suggested_action"`
	}

	// Service classifies failures. Implementations never return an error
	// and never panic; unclassifiable input yields the UNKNOWN result.
	Service interface {
		Triage(ctx context.Context, f Failure) Result
	}
)

// Unknown is the result for failures no rule or model could classify.
func Unknown() Result {
	return Result{
		Category:        CategoryUnknown,
		Recoverable:     false,
		Confidence:      0,
		SuggestedAction: ActionEscalate,
	}
}
