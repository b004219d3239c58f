package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/conductor/runtime/generate"
	"goa.design/conductor/runtime/telemetry"
)

// Semantic classifies failures with a structured generator. Generation runs
// at temperature 0 so identical failures triage identically. Any generator
// or decode error falls back to the heuristic engine.
type Semantic struct {
	gen      generate.Generator
	fallback Service
	timeout  time.Duration
	logger   telemetry.Logger
}

// NewSemantic constructs a Semantic engine. fallback defaults to the
// heuristic engine with default rules; timeout defaults to 10s.
func NewSemantic(gen generate.Generator, fallback Service, timeout time.Duration, logger telemetry.Logger) *Semantic {
	if fallback == nil {
		fallback = NewHeuristic(nil, nil, nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Semantic{gen: gen, fallback: fallback, timeout: timeout, logger: logger}
}

// Triage implements Service.
func (s *Semantic) Triage(ctx context.Context, f Failure) (result Result) {
	defer func() {
		if recover() != nil {
			result = s.fallback.Triage(ctx, f)
		}
	}()

	resp, err := s.gen.Generate(ctx, generate.Request{
		Prompt:      fmt.Sprintf("Tool: %s\nError code: %d\nError message: %s", f.ToolName, f.Code, f.Message),
		System:      triageSystemPrompt,
		Schema:      triageSchema(),
		Temperature: 0,
		Timeout:     s.timeout,
	})
	if err != nil {
		s.logger.Warn(ctx, "semantic triage failed, using heuristic", "tool", f.ToolName, "error", err.Error())
		return s.fallback.Triage(ctx, f)
	}

	var decoded Result
	if err := json.Unmarshal(resp.Data, &decoded); err != nil || !validCategory(decoded.Category) || !validAction(decoded.SuggestedAction) {
		s.logger.Warn(ctx, "semantic triage returned unusable result, using heuristic", "tool", f.ToolName)
		return s.fallback.Triage(ctx, f)
	}
	if decoded.Confidence < 0 || decoded.Confidence > 1 {
		decoded.Confidence = 0
	}
	return decoded
}

func validCategory(c Category) bool {
	switch c {
	case CategoryRateLimited, CategoryTimeout, CategoryUnavailable, CategoryInvalidInput,
		CategoryAuth, CategoryNotFound, CategoryConflict, CategoryPermanent, CategoryUnknown:
		return true
	}
	return false
}

func validAction(a Action) bool {
	switch a {
	case ActionRetryModified, ActionRetryBackoff, ActionEscalate, ActionSkip, ActionCompensate:
		return true
	}
	return false
}

const triageSystemPrompt = `You classify tool failures for an execution orchestrator.
Categories: RATE_LIMITED, TIMEOUT, SERVICE_UNAVAILABLE, INVALID_INPUT,
AUTHENTICATION_FAILED, RESOURCE_NOT_FOUND, RESOURCE_CONFLICT,
PERMANENT_FAILURE, UNKNOWN.
Recoverability: transient infrastructure failures (rate limits, timeouts,
outages) and resource conflicts are recoverable; authentication, permanent
and unknown failures are not.
Actions: RETRY_WITH_BACKOFF for transient failures, RETRY_WITH_MODIFIED_PARAMS
for conflicts and invalid input, SKIP_STEP for missing optional resources,
TRIGGER_COMPENSATION when completed side effects must be unwound,
ESCALATE_TO_HUMAN otherwise.`

func triageSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category": map[string]any{
				"type": "string",
				"enum": []any{"RATE_LIMITED", "TIMEOUT", "SERVICE_UNAVAILABLE", "INVALID_INPUT",
					"AUTHENTICATION_FAILED", "RESOURCE_NOT_FOUND", "RESOURCE_CONFLICT",
					"PERMANENT_FAILURE", "UNKNOWN"},
			},
			"recoverable": map[string]any{"type": "boolean"},
			"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"explanation": map[string]any{"type": "string"},
			"suggested_action": map[string]any{
				"type": "string",
				"enum": []any{"RETRY_WITH_MODIFIED_PARAMS", "RETRY_WITH_BACKOFF",
					"ESCALATE_TO_HUMAN", "SKIP_STEP", "TRIGGER_COMPENSATION"},
			},
		},
		"required": []any{"category", "recoverable", "confidence", "suggested_action"},
	}
}
