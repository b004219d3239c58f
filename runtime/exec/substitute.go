package exec

import (
	"strconv"
	"strings"
)

// resolveParams returns the step parameters with "$stepId.path" references
// substituted from dependency outputs. Values whose path cannot be resolved
// are kept literal so the reference stays visible downstream; the returned
// warnings name them.
func resolveParams(state *ExecutionState, params map[string]any) (map[string]any, []string) {
	var warnings []string
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(state, value, &warnings)
	}
	return resolved, warnings
}

func resolveValue(state *ExecutionState, value any, warnings *[]string) any {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, "$") {
			return v
		}
		out, ok := lookupReference(state, v)
		if !ok {
			*warnings = append(*warnings, "unresolved reference "+v)
			return v
		}
		return out
	case map[string]any:
		nested := make(map[string]any, len(v))
		for k, item := range v {
			nested[k] = resolveValue(state, item, warnings)
		}
		return nested
	case []any:
		nested := make([]any, len(v))
		for i, item := range v {
			nested[i] = resolveValue(state, item, warnings)
		}
		return nested
	}
	return value
}

// lookupReference resolves "$stepId.field.subfield" against the named step's
// output. A bare "$stepId" yields the whole output.
func lookupReference(state *ExecutionState, ref string) (any, bool) {
	parts := strings.Split(strings.TrimPrefix(ref, "$"), ".")
	step := state.Step(parts[0])
	if step == nil || step.Status != StepCompleted {
		return nil, false
	}
	return walkPath(step.Output, parts[1:])
}

// walkPath descends maps by key and slices by integer index.
func walkPath(value any, path []string) (any, bool) {
	for _, segment := range path {
		switch v := value.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			value = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			value = v[idx]
		default:
			return nil, false
		}
	}
	return value, true
}
