package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/generate"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/telemetry"
	"goa.design/conductor/runtime/tools"
	"goa.design/conductor/runtime/trace"
)

type (
	// Planner turns canonical intents into validated plans. The structured
	// generator drafts a raw plan which the converter canonicalizes and the
	// safety verifier vets.
	Planner struct {
		gen         generate.Generator
		registry    *tools.Registry
		converter   *Converter
		verifier    *SafetyVerifier
		constraints Constraints
		temperature float64
		timeout     time.Duration
		sink        trace.Sink
		logger      telemetry.Logger
	}

	// PlannerOptions configures a Planner.
	PlannerOptions struct {
		// Generator drafts raw plans. Required.
		Generator generate.Generator
		// Registry supplies tool definitions. Required.
		Registry *tools.Registry
		// Safety is the policy applied to every plan. Optional.
		Safety *SafetyPolicy
		// Constraints are the default plan budgets.
		Constraints Constraints
		// Temperature for plan generation. Defaults to 0 for determinism.
		Temperature float64
		// Timeout bounds each generation call. Defaults to 30s.
		Timeout time.Duration
		// Trace receives planning trace entries. Defaults to noop.
		Trace trace.Sink
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// NewPlanner constructs a Planner.
func NewPlanner(opts PlannerOptions) (*Planner, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("planner: generator is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("planner: tool registry is required")
	}
	verifier := NewSafetyVerifier(SafetyPolicy{})
	if opts.Safety != nil {
		verifier = NewSafetyVerifier(*opts.Safety)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sink := opts.Trace
	if sink == nil {
		sink = trace.NoopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Planner{
		gen:         opts.Generator,
		registry:    opts.Registry,
		converter:   NewConverter(opts.Registry),
		verifier:    verifier,
		constraints: opts.Constraints,
		temperature: opts.Temperature,
		timeout:     timeout,
		sink:        sink,
		logger:      logger,
	}, nil
}

// BuildPlan drafts, converts and verifies a plan for the intent.
func (p *Planner) BuildPlan(ctx context.Context, in intent.Intent) (Plan, error) {
	raw, modelID, err := p.draft(ctx, in)
	if err != nil {
		p.trace(ctx, trace.Entry{
			Timestamp: time.Now().UTC(),
			Phase:     trace.PhasePlanning,
			Event:     "plan_generation_failed",
			Error:     err.Error(),
		})
		return Plan{}, err
	}

	converted, err := p.converter.Convert(raw, in.ID, modelID, p.constraints)
	if err == nil {
		err = p.verifier.Verify(converted)
	}
	if err != nil {
		p.trace(ctx, trace.Entry{
			Timestamp: time.Now().UTC(),
			Phase:     trace.PhasePlanning,
			Event:     "plan_rejected",
			Error:     err.Error(),
			ModelID:   modelID,
		})
		return Plan{}, err
	}

	p.trace(ctx, trace.Entry{
		Timestamp: time.Now().UTC(),
		Phase:     trace.PhasePlanning,
		Event:     "plan_accepted",
		Output:    map[string]any{"plan_id": converted.ID, "steps": len(converted.Steps)},
		ModelID:   modelID,
	})
	return converted, nil
}

// draft asks the generator for a raw plan constrained to the plan schema.
func (p *Planner) draft(ctx context.Context, in intent.Intent) (RawPlan, string, error) {
	resp, err := p.gen.Generate(ctx, generate.Request{
		Prompt:      p.prompt(in),
		System:      plannerSystemPrompt,
		Schema:      rawPlanSchema(),
		Temperature: p.temperature,
		Timeout:     p.timeout,
	})
	if err != nil {
		return RawPlan{}, "", execerrors.Wrap(execerrors.CodePlanGenerationFailed, "plan generation", err)
	}
	var raw RawPlan
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return RawPlan{}, resp.ModelID, execerrors.Wrap(execerrors.CodePlanGenerationFailed, "decode raw plan", err)
	}
	return raw, resp.ModelID, nil
}

// prompt renders the intent and the available tool catalog.
func (p *Planner) prompt(in intent.Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent type: %s\nIntent confidence: %.2f\nRequest: %s\n", in.Type, in.Confidence, in.RawText)
	if len(in.Parameters) > 0 {
		if encoded, err := json.Marshal(in.Parameters); err == nil {
			fmt.Fprintf(&b, "Parameters: %s\n", encoded)
		}
	}
	b.WriteString("\nAvailable tools:\n")
	for _, name := range p.registry.Names() {
		def, err := p.registry.Resolve(name, "")
		if err != nil {
			continue
		}
		schema, _ := json.Marshal(def.InputSchema)
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", def.Name, def.Description, schema)
	}
	return b.String()
}

const plannerSystemPrompt = `You decompose a user request into a plan of tool invocations.
Rules:
- Use only tools from the provided catalog, with parameters matching their schemas.
- Number steps from 0 and express dependencies as step numbers of earlier steps.
- Mark any step with irreversible side effects as requiring confirmation.
- Keep the plan minimal; do not add steps the request does not need.`

// rawPlanSchema is the JSON schema the generator output must satisfy.
func rawPlanSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"step_number":           map[string]any{"type": "integer", "minimum": 0},
						"tool_name":             map[string]any{"type": "string"},
						"parameters":            map[string]any{"type": "object"},
						"dependencies":          map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
						"description":           map[string]any{"type": "string"},
						"requires_confirmation": map[string]any{"type": "boolean"},
						"estimated_tokens":      map[string]any{"type": "integer", "minimum": 0},
						"timeout_ms":            map[string]any{"type": "integer", "minimum": 0},
					},
					"required": []any{"step_number", "tool_name", "parameters"},
				},
			},
			"summary": map[string]any{"type": "string"},
		},
		"required": []any{"steps"},
	}
}

func (p *Planner) trace(ctx context.Context, entry trace.Entry) {
	if err := p.sink.Send(ctx, entry); err != nil {
		p.logger.Warn(ctx, "trace send failed", "error", err.Error())
	}
}
