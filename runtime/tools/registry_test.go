package tools_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/tools"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"message": map[string]any{"type": "string"}},
		"required":             []string{"message"},
		"additionalProperties": false,
	}
}

func registerEcho(t *testing.T, r *tools.Registry, version string) {
	t.Helper()
	err := r.Register(tools.Definition{
		Name:        "test.echo",
		Version:     version,
		InputSchema: echoSchema(),
	}, func(_ context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params["message"]}, nil
	})
	require.NoError(t, err)
}

func TestRegisterValidations(t *testing.T) {
	r := tools.NewRegistry()

	err := r.Register(tools.Definition{InputSchema: echoSchema()}, func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)

	err = r.Register(tools.Definition{Name: "t", InputSchema: echoSchema()}, nil)
	require.Error(t, err)

	err = r.Register(tools.Definition{Name: "t"}, func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)

	err = r.Register(tools.Definition{Name: "t", Version: "not-semver", InputSchema: echoSchema()}, func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestRegisterRejectsDuplicateVersion(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.0.0")

	err := r.Register(tools.Definition{Name: "test.echo", Version: "1.0.0", InputSchema: echoSchema()},
		func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestResolveLatestBySemver(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.10.0")
	registerEcho(t, r, "1.2.0")
	registerEcho(t, r, "2.0.0")

	def, err := r.Resolve("test.echo", "")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", def.Version)

	def, err = r.Resolve("test.echo", "1.2.0")
	require.NoError(t, err)
	require.Equal(t, "1.2.0", def.Version)

	_, err = r.Resolve("test.echo", "9.9.9")
	require.True(t, execerrors.IsCode(err, execerrors.CodeToolNotFound))

	require.Equal(t, map[string]string{"test.echo": "2.0.0"}, r.Versions())
}

func TestExecuteSuccess(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.0.0")

	res := r.Execute(context.Background(), "test.echo", "", map[string]any{"message": "hi"}, 0)
	require.True(t, res.Success)
	require.Equal(t, map[string]any{"echo": "hi"}, res.Output)
	require.Nil(t, res.Error)
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.0.0")

	res := r.Execute(context.Background(), "test.echo", "", map[string]any{"message": 42}, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolValidationFailed, res.Error.Code)

	res = r.Execute(context.Background(), "test.echo", "", map[string]any{}, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolValidationFailed, res.Error.Code)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	res := r.Execute(context.Background(), "missing.tool", "", nil, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolNotFound, res.Error.Code)
}

func TestExecuteTimesOut(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(tools.Definition{
		Name:        "test.slow",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})
	require.NoError(t, err)

	res := r.Execute(context.Background(), "test.slow", "", map[string]any{}, 20*time.Millisecond)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeStepTimeout, res.Error.Code)
	require.True(t, res.Error.Recoverable)
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(tools.Definition{
		Name:        "test.panics",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, map[string]any) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	res := r.Execute(context.Background(), "test.panics", "", map[string]any{}, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolExecutionFailed, res.Error.Code)
}

func TestExecuteHandlerError(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(tools.Definition{
		Name:        "test.fails",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	require.NoError(t, err)

	res := r.Execute(context.Background(), "test.fails", "", map[string]any{}, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolExecutionFailed, res.Error.Code)
	require.Contains(t, res.Error.Error(), "upstream unavailable")
}

func TestExecuteValidatesOutput(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(tools.Definition{
		Name:        "test.badoutput",
		InputSchema: map[string]any{"type": "object"},
		ReturnSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"count": map[string]any{"type": "integer"}},
			"required":   []string{"count"},
		},
	}, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"count": "three"}, nil
	})
	require.NoError(t, err)

	res := r.Execute(context.Background(), "test.badoutput", "", map[string]any{}, 0)
	require.False(t, res.Success)
	require.Equal(t, execerrors.CodeToolValidationFailed, res.Error.Code)
}

func TestValidateInputReportsIssues(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.0.0")

	issues, err := r.ValidateInput("test.echo", map[string]any{"message": "ok"})
	require.NoError(t, err)
	require.Empty(t, issues)

	issues, err = r.ValidateInput("test.echo", map[string]any{"unexpected": true})
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}

func TestNamesSorted(t *testing.T) {
	r := tools.NewRegistry()
	registerEcho(t, r, "1.0.0")
	err := r.Register(tools.Definition{Name: "a.first", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.NoError(t, err)

	require.Equal(t, []string{"a.first", "test.echo"}, r.Names())
}
