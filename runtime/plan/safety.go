package plan

import (
	"strings"

	"goa.design/conductor/runtime/execerrors"
)

type (
	// SafetyPolicy declares the hard limits a plan must satisfy before
	// execution starts.
	SafetyPolicy struct {
		// ForbiddenSequences lists ordered tool-name tuples that must not
		// appear as a contiguous dependency chain anywhere in the plan.
		ForbiddenSequences [][]string
		// ParameterLimits caps numeric parameters per tool:
		// tool name → parameter name → maximum value.
		ParameterLimits map[string]map[string]float64
	}

	// SafetyVerifier checks plans against a SafetyPolicy.
	SafetyVerifier struct {
		policy SafetyPolicy
	}
)

// NewSafetyVerifier constructs a verifier for the given policy.
func NewSafetyVerifier(policy SafetyPolicy) *SafetyVerifier {
	return &SafetyVerifier{policy: policy}
}

// Verify rejects the plan when a forbidden tool sequence appears contiguously
// along a dependency chain or a numeric parameter exceeds its cap.
func (v *SafetyVerifier) Verify(p Plan) error {
	if err := v.checkLimits(p); err != nil {
		return err
	}
	return v.checkSequences(p)
}

func (v *SafetyVerifier) checkLimits(p Plan) error {
	for _, step := range p.Steps {
		limits := v.policy.ParameterLimits[step.ToolName]
		for param, limit := range limits {
			value, ok := numericParam(step.Parameters[param])
			if ok && value > limit {
				return execerrors.Newf(execerrors.CodePlanValidationFailed,
					"step %d: %s.%s = %v exceeds limit %v", step.StepNumber, step.ToolName, param, value, limit)
			}
		}
	}
	return nil
}

// checkSequences walks dependency chains looking for each forbidden tuple.
// A tuple matches when its tools appear on consecutive edges: every step in
// the tuple directly depends on the previous one.
func (v *SafetyVerifier) checkSequences(p Plan) error {
	if len(v.policy.ForbiddenSequences) == 0 {
		return nil
	}

	// dependents[id] lists the steps that directly depend on id.
	byID := make(map[string]PlanStep, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		byID[step.ID] = step
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var matchFrom func(id string, tuple []string) bool
	matchFrom = func(id string, tuple []string) bool {
		if byID[id].ToolName != tuple[0] {
			return false
		}
		if len(tuple) == 1 {
			return true
		}
		for _, next := range dependents[id] {
			if matchFrom(next, tuple[1:]) {
				return true
			}
		}
		return false
	}

	for _, tuple := range v.policy.ForbiddenSequences {
		if len(tuple) == 0 {
			continue
		}
		for _, step := range p.Steps {
			if matchFrom(step.ID, tuple) {
				return execerrors.Newf(execerrors.CodePlanValidationFailed,
					"forbidden sequence %s starting at step %d", strings.Join(tuple, " -> "), step.StepNumber)
			}
		}
	}
	return nil
}

func numericParam(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}
