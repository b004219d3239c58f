package plan_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/generate"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/plan"
	"goa.design/conductor/runtime/trace"
)

func searchIntent() intent.Intent {
	return intent.Intent{
		ID:         "intent-1",
		Type:       intent.TypeSearch,
		Confidence: 0.9,
		Parameters: map[string]any{"query": "weather in Paris"},
		RawText:    "what's the weather in Paris",
	}
}

func stubGenerator(t *testing.T, raw plan.RawPlan) generate.Generator {
	t.Helper()
	return generate.Func(func(_ context.Context, req generate.Request) (*generate.Response, error) {
		require.NotEmpty(t, req.Prompt)
		require.NotEmpty(t, req.System)
		require.NotNil(t, req.Schema)
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		return &generate.Response{Data: data, ModelID: "stub-model"}, nil
	})
}

func TestBuildPlanHappyPath(t *testing.T) {
	registry := newRegistry(t)
	sink := trace.NewMemorySink()
	planner, err := plan.NewPlanner(plan.PlannerOptions{
		Generator: stubGenerator(t, plan.RawPlan{
			Steps: []plan.RawStep{
				{StepNumber: 0, ToolName: "weather.lookup", Parameters: map[string]any{"city": "Paris"}},
			},
			Summary: "look up the weather",
		}),
		Registry: registry,
		Trace:    sink,
	})
	require.NoError(t, err)

	p, err := planner.BuildPlan(context.Background(), searchIntent())
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	require.Equal(t, "intent-1", p.IntentID)
	require.Equal(t, "stub-model", p.Metadata.PlanningModelID)
	require.Len(t, sink.ByEvent("plan_accepted"), 1)
}

func TestBuildPlanGeneratorFailure(t *testing.T) {
	sink := trace.NewMemorySink()
	planner, err := plan.NewPlanner(plan.PlannerOptions{
		Generator: generate.Func(func(context.Context, generate.Request) (*generate.Response, error) {
			return nil, errors.New("provider unavailable")
		}),
		Registry: newRegistry(t),
		Trace:    sink,
	})
	require.NoError(t, err)

	_, err = planner.BuildPlan(context.Background(), searchIntent())
	require.True(t, execerrors.IsCode(err, execerrors.CodePlanGenerationFailed))
	require.Len(t, sink.ByEvent("plan_generation_failed"), 1)
}

func TestBuildPlanMalformedOutput(t *testing.T) {
	planner, err := plan.NewPlanner(plan.PlannerOptions{
		Generator: generate.Func(func(context.Context, generate.Request) (*generate.Response, error) {
			return &generate.Response{Data: json.RawMessage(`"not a plan"`)}, nil
		}),
		Registry: newRegistry(t),
	})
	require.NoError(t, err)

	_, err = planner.BuildPlan(context.Background(), searchIntent())
	require.True(t, execerrors.IsCode(err, execerrors.CodePlanGenerationFailed))
}

func TestBuildPlanRejectsInvalidDAG(t *testing.T) {
	sink := trace.NewMemorySink()
	planner, err := plan.NewPlanner(plan.PlannerOptions{
		Generator: stubGenerator(t, plan.RawPlan{
			Steps: []plan.RawStep{
				{StepNumber: 0, ToolName: "weather.lookup", Dependencies: []int{1}, Parameters: map[string]any{"city": "a"}},
				{StepNumber: 1, ToolName: "report.compile", Dependencies: []int{0}, Parameters: map[string]any{}},
			},
		}),
		Registry: newRegistry(t),
		Trace:    sink,
	})
	require.NoError(t, err)

	_, err = planner.BuildPlan(context.Background(), searchIntent())
	require.True(t, execerrors.IsCode(err, execerrors.CodePlanCircularDependency))
	require.Len(t, sink.ByEvent("plan_rejected"), 1)
}

func TestBuildPlanAppliesSafetyPolicy(t *testing.T) {
	planner, err := plan.NewPlanner(plan.PlannerOptions{
		Generator: stubGenerator(t, plan.RawPlan{
			Steps: []plan.RawStep{
				{StepNumber: 0, ToolName: "weather.lookup", Parameters: map[string]any{"city": "a"}},
				{StepNumber: 1, ToolName: "report.compile", Dependencies: []int{0}, Parameters: map[string]any{}},
			},
		}),
		Registry: newRegistry(t),
		Safety: &plan.SafetyPolicy{
			ForbiddenSequences: [][]string{{"weather.lookup", "report.compile"}},
		},
	})
	require.NoError(t, err)

	_, err = planner.BuildPlan(context.Background(), searchIntent())
	require.True(t, execerrors.IsCode(err, execerrors.CodePlanValidationFailed))
}

func TestNewPlannerValidation(t *testing.T) {
	_, err := plan.NewPlanner(plan.PlannerOptions{Registry: newRegistry(t)})
	require.Error(t, err)

	_, err = plan.NewPlanner(plan.PlannerOptions{
		Generator: generate.Func(func(context.Context, generate.Request) (*generate.Response, error) { return nil, nil }),
	})
	require.Error(t, err)
}
