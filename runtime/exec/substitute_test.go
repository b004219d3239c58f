package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/plan"
)

func stateWithOutput(t *testing.T, output map[string]any) *ExecutionState {
	t.Helper()
	p := plan.Plan{
		ID: "plan-1",
		Steps: []plan.PlanStep{
			{ID: "lookup", StepNumber: 0, ToolName: "weather.lookup", Parameters: map[string]any{}},
			{ID: "report", StepNumber: 1, ToolName: "report.compile", Dependencies: []string{"lookup"}, Parameters: map[string]any{}},
		},
	}
	s := NewState("exec-1", "user-1", p, nil, time.Now())
	s.StepStates[0].Status = StepCompleted
	s.StepStates[0].Output = output
	return s
}

func TestResolveParamsFieldPath(t *testing.T) {
	s := stateWithOutput(t, map[string]any{
		"city": "Paris",
		"forecast": map[string]any{
			"days": []any{
				map[string]any{"high": 24.5},
				map[string]any{"high": 26.0},
			},
		},
	})

	resolved, warnings := resolveParams(s, map[string]any{
		"summary_for": "$lookup.city",
		"tomorrow":    "$lookup.forecast.days.1.high",
		"literal":     "plain value",
		"nested": map[string]any{
			"inner": "$lookup.city",
		},
		"list": []any{"$lookup.city", 42},
	})
	require.Empty(t, warnings)
	require.Equal(t, "Paris", resolved["summary_for"])
	require.Equal(t, 26.0, resolved["tomorrow"])
	require.Equal(t, "plain value", resolved["literal"])
	require.Equal(t, map[string]any{"inner": "Paris"}, resolved["nested"])
	require.Equal(t, []any{"Paris", 42}, resolved["list"])
}

func TestResolveParamsWholeOutput(t *testing.T) {
	out := map[string]any{"city": "Paris", "temp": 21.0}
	s := stateWithOutput(t, out)

	resolved, warnings := resolveParams(s, map[string]any{"data": "$lookup"})
	require.Empty(t, warnings)
	require.Equal(t, out, resolved["data"])
}

func TestResolveParamsUnresolvedKeptLiteral(t *testing.T) {
	s := stateWithOutput(t, map[string]any{"city": "Paris"})

	resolved, warnings := resolveParams(s, map[string]any{
		"missing_field": "$lookup.country",
		"unknown_step":  "$nowhere.city",
		"bad_index":     "$lookup.city.5",
	})
	require.Len(t, warnings, 3)
	require.Equal(t, "$lookup.country", resolved["missing_field"])
	require.Equal(t, "$nowhere.city", resolved["unknown_step"])
	require.Equal(t, "$lookup.city.5", resolved["bad_index"])
	require.Contains(t, warnings, "unresolved reference $lookup.country")
}

func TestResolveParamsIncompleteDependency(t *testing.T) {
	s := stateWithOutput(t, map[string]any{"city": "Paris"})
	s.StepStates[0].Status = StepInProgress

	resolved, warnings := resolveParams(s, map[string]any{"summary_for": "$lookup.city"})
	require.Len(t, warnings, 1)
	require.Equal(t, "$lookup.city", resolved["summary_for"])
}
