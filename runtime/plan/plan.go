// Package plan builds validated execution DAGs from raw model output.
// Conversion expands fan-out steps, rewrites dependencies, assigns stable
// identifiers and rejects cyclic or over-budget plans. The safety verifier
// enforces forbidden sequences and parameter caps on the finished DAG.
package plan

import "time"

type (
	// Plan is an immutable DAG of tool invocations derived from an intent.
	Plan struct {
		// ID uniquely identifies the plan.
		ID string `json:"id"`
		// IntentID references the intent this plan realizes.
		IntentID string `json:"intent_id"`
		// Steps is the step sequence in topological order.
		Steps []PlanStep `json:"steps"`
		// Constraints bound the plan's size and cost.
		Constraints Constraints `json:"constraints"`
		// Metadata records plan provenance and cost estimates.
		Metadata Metadata `json:"metadata"`
		// Summary is a human-readable description of the plan.
		Summary string `json:"summary,omitempty"`
	}

	// PlanStep is a single tool invocation within a plan.
	PlanStep struct {
		// ID uniquely identifies the step.
		ID string `json:"id"`
		// StepNumber is the zero-based dense position in topological order.
		StepNumber int `json:"step_number"`
		// ToolName names the registered tool to invoke.
		ToolName string `json:"tool_name"`
		// ToolVersion pins a specific tool version. Empty resolves latest.
		ToolVersion string `json:"tool_version,omitempty"`
		// Parameters are the tool inputs. Values of the form
		// "$stepId.field" are substituted from dependency outputs at
		// execution time.
		Parameters map[string]any `json:"parameters"`
		// Dependencies lists the IDs of steps that must complete first.
		Dependencies []string `json:"dependencies,omitempty"`
		// Description explains what the step does.
		Description string `json:"description,omitempty"`
		// RequiresConfirmation gates execution on an explicit user go-ahead.
		RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
		// EstimatedTokens is the predicted token cost of the step.
		EstimatedTokens int `json:"estimated_tokens,omitempty"`
		// TimeoutMs bounds the tool invocation. Zero uses the tool default.
		TimeoutMs int64 `json:"timeout_ms,omitempty"`
	}

	// Constraints bound plan size and cost. Zero values disable the
	// corresponding check.
	Constraints struct {
		// MaxSteps caps the number of steps after fan-out expansion.
		MaxSteps int `json:"max_steps,omitempty"`
		// MaxTotalTokens caps the sum of step token estimates.
		MaxTotalTokens int `json:"max_total_tokens,omitempty"`
		// MaxExecutionTime bounds the whole execution wall-clock time.
		MaxExecutionTime time.Duration `json:"max_execution_time_ms,omitempty"`
	}

	// Metadata records plan provenance.
	Metadata struct {
		// Version is the planner rule version.
		Version string `json:"version"`
		// CreatedAt is when the plan was built (ISO-8601, UTC).
		CreatedAt string `json:"created_at"`
		// PlanningModelID identifies the generator that produced the raw plan.
		PlanningModelID string `json:"planning_model_id,omitempty"`
		// EstimatedTotalTokens is the sum of step token estimates.
		EstimatedTotalTokens int `json:"estimated_total_tokens,omitempty"`
		// EstimatedLatencyMs is the predicted execution latency.
		EstimatedLatencyMs int64 `json:"estimated_latency_ms,omitempty"`
	}

	// RawPlan is model output prior to validation. Dependencies reference
	// steps by their integer step number.
	RawPlan struct {
		// Steps is the raw step sequence.
		Steps []RawStep `json:"steps"`
		// Summary is the model's description of the plan.
		Summary string `json:"summary,omitempty"`
	}

	// RawStep is a step as emitted by the planning model.
	RawStep struct {
		// StepNumber is the model-assigned position.
		StepNumber int `json:"step_number"`
		// ToolName names the tool to invoke.
		ToolName string `json:"tool_name"`
		// ToolVersion optionally pins a tool version.
		ToolVersion string `json:"tool_version,omitempty"`
		// Parameters are the tool inputs.
		Parameters map[string]any `json:"parameters"`
		// Dependencies lists prerequisite step numbers.
		Dependencies []int `json:"dependencies,omitempty"`
		// Description explains what the step does.
		Description string `json:"description,omitempty"`
		// RequiresConfirmation gates execution on user approval.
		RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
		// EstimatedTokens is the predicted token cost.
		EstimatedTokens int `json:"estimated_tokens,omitempty"`
		// TimeoutMs bounds the invocation.
		TimeoutMs int64 `json:"timeout_ms,omitempty"`
	}
)

// Step returns the plan step with the given ID, or nil when absent.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// DependencySet returns the dependency edges of the plan as a map from step
// ID to the set of its prerequisite step IDs.
func (p *Plan) DependencySet() map[string]map[string]bool {
	deps := make(map[string]map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		set := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			set[dep] = true
		}
		deps[step.ID] = set
	}
	return deps
}
