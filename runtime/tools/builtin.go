package tools

import (
	"context"
	"fmt"
	"time"

	"goa.design/conductor/runtime/telemetry"
)

// HistoryReader exposes prior execution history to the self_reflect tool.
// Implemented by the orchestrator's state store.
type HistoryReader interface {
	// ExecutionHistory returns a serializable summary of the executions
	// associated with the given intent.
	ExecutionHistory(ctx context.Context, intentID string) (any, error)
}

// RegisterBuiltins installs the built-in tools: wait, log, and self_reflect.
// history may be nil, in which case self_reflect reports an empty history.
func RegisterBuiltins(r *Registry, logger telemetry.Logger, history HistoryReader) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	if err := r.Register(Definition{
		Name:        "wait",
		Version:     "1.0.0",
		Description: "Pauses execution for the requested duration.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"duration_ms": map[string]any{"type": "integer", "minimum": 0}},
			"required":             []any{"duration_ms"},
			"additionalProperties": false,
		},
		DefaultTimeout: 5 * time.Minute,
	}, func(ctx context.Context, params map[string]any) (any, error) {
		ms, err := intParam(params, "duration_ms")
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return map[string]any{"waited_ms": ms}, nil
	}); err != nil {
		return err
	}

	if err := r.Register(Definition{
		Name:        "log",
		Version:     "1.0.0",
		Description: "Emits a structured log entry from the plan.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"level":   map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}},
			},
			"required": []any{"message"},
		},
	}, func(ctx context.Context, params map[string]any) (any, error) {
		message, _ := params["message"].(string)
		level, _ := params["level"].(string)
		switch level {
		case "debug":
			logger.Debug(ctx, message)
		case "warn":
			logger.Warn(ctx, message)
		case "error":
			logger.Error(ctx, message)
		default:
			logger.Info(ctx, message)
		}
		return map[string]any{"logged": true}, nil
	}); err != nil {
		return err
	}

	return r.Register(Definition{
		Name:        "self_reflect",
		Version:     "1.0.0",
		Description: "Returns the execution history recorded for an intent.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"intent_id": map[string]any{"type": "string"}},
			"required":   []any{"intent_id"},
		},
	}, func(ctx context.Context, params map[string]any) (any, error) {
		intentID, _ := params["intent_id"].(string)
		if history == nil {
			return map[string]any{"intent_id": intentID, "executions": []any{}}, nil
		}
		return history.ExecutionHistory(ctx, intentID)
	})
}

func intParam(params map[string]any, key string) (int64, error) {
	switch v := params[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("parameter %q must be an integer", key)
	}
}
