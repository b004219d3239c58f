package intent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/telemetry"
	"goa.design/conductor/runtime/tools"
	"goa.design/conductor/runtime/trace"
)

const normalizerVersion = "1"

type (
	// Normalizer converts raw candidates into canonical intents and
	// validates tool parameters against the registry schemas.
	Normalizer struct {
		ontology Ontology
		registry *tools.Registry
		recorder tools.MismatchRecorder
		sink     trace.Sink
		logger   telemetry.Logger
		now      func() time.Time
	}

	// NormalizerOptions configures a Normalizer.
	NormalizerOptions struct {
		// Ontology defaults to DefaultOntology.
		Ontology *Ontology
		// Registry resolves tool input schemas for parameter validation.
		// Required for ValidateToolParameters.
		Registry *tools.Registry
		// Recorder receives schema mismatches asynchronously. Optional.
		Recorder tools.MismatchRecorder
		// Trace receives normalization trace entries. Defaults to noop.
		Trace trace.Sink
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// NewNormalizer constructs a Normalizer.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	ontology := DefaultOntology()
	if opts.Ontology != nil {
		ontology = *opts.Ontology
	}
	sink := opts.Trace
	if sink == nil {
		sink = trace.NoopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Normalizer{
		ontology: ontology,
		registry: opts.Registry,
		recorder: opts.Recorder,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (n *Normalizer) SetClock(now func() time.Time) { n.now = now }

// Normalize converts a raw candidate into a canonical Intent. It never
// fails: invalid candidates produce a fallback UNKNOWN intent with zero
// confidence and source "system_fallback".
func (n *Normalizer) Normalize(ctx context.Context, candidate Candidate, rawText, modelID string) Intent {
	out, reason := n.normalize(candidate, rawText, modelID)
	entry := trace.Entry{
		Timestamp: n.now().UTC(),
		Phase:     trace.PhaseNormalization,
		Event:     "intent_normalized",
		Output:    map[string]any{"type": string(out.Type), "confidence": out.Confidence},
		ModelID:   modelID,
	}
	if reason != "" {
		entry.Event = "intent_fallback"
		entry.Error = reason
	}
	if err := n.sink.Send(ctx, entry); err != nil {
		n.logger.Warn(ctx, "trace send failed", "error", err.Error())
	}
	return out
}

func (n *Normalizer) normalize(candidate Candidate, rawText, modelID string) (Intent, string) {
	if reason := n.rejectCandidate(candidate); reason != "" {
		return n.fallback(rawText, reason), reason
	}

	t := Type(strings.ToUpper(strings.TrimSpace(candidate.Type)))
	confidence := candidate.Confidence
	params := candidate.Parameters
	if params == nil {
		params = map[string]any{}
	}
	explanation := candidate.Explanation

	// Ontology: every missing required slot costs a fixed penalty.
	missing := n.ontology.MissingFields(t, params)
	confidence -= n.ontology.MissingFieldPenalty * float64(len(missing))
	if confidence < 0 {
		confidence = 0
	}
	if len(missing) > 0 {
		explanation = appendNote(explanation, "missing fields: "+strings.Join(missing, ", "))
	}

	// Semantic validators.
	if t == TypeSchedule {
		if expr, ok := params["temporal_expression"].(string); ok {
			if parsed, err := parseISODate(expr); err == nil && parsed.Before(n.now()) {
				confidence -= n.ontology.PastDatePenalty
				if confidence < 0 {
					confidence = 0
				}
				explanation = appendNote(explanation, "past date")
			}
		}
		if action, ok := params["action"].(string); ok {
			params["action"] = strings.ToUpper(action)
		}
	}

	if confidence < n.ontology.ClarificationThreshold {
		t = TypeClarificationNeeded
	}

	return Intent{
		ID:          uuid.NewString(),
		Type:        t,
		Confidence:  confidence,
		Parameters:  params,
		RawText:     rawText,
		Explanation: explanation,
		Metadata: Metadata{
			Version:   normalizerVersion,
			Timestamp: n.now().UTC().Format(time.RFC3339),
			Source:    "model",
			ModelID:   modelID,
		},
	}, ""
}

// rejectCandidate returns a non-empty reason when the candidate fails schema
// validation.
func (n *Normalizer) rejectCandidate(candidate Candidate) string {
	t := Type(strings.ToUpper(strings.TrimSpace(candidate.Type)))
	if candidate.Type == "" {
		return "candidate type is empty"
	}
	if !t.Valid() {
		return "candidate type " + candidate.Type + " is not in the ontology"
	}
	if candidate.Confidence < 0 || candidate.Confidence > 1 {
		return "candidate confidence out of range"
	}
	return ""
}

func (n *Normalizer) fallback(rawText, reason string) Intent {
	return Intent{
		ID:          uuid.NewString(),
		Type:        TypeUnknown,
		Confidence:  0,
		Parameters:  map[string]any{},
		RawText:     rawText,
		Explanation: reason,
		Metadata: Metadata{
			Version:   normalizerVersion,
			Timestamp: n.now().UTC().Format(time.RFC3339),
			Source:    "system_fallback",
		},
	}
}

// ValidateToolParameters checks raw parameters against the registered input
// schema for toolName. Issues are returned in schema order; when a mismatch
// recorder is configured, the expected/unexpected/missing field sets are
// reported asynchronously so schema evolution can be tracked without slowing
// the request path.
func (n *Normalizer) ValidateToolParameters(ctx context.Context, toolName string, raw map[string]any) ([]tools.ValidationIssue, error) {
	if n.registry == nil {
		return nil, execerrors.New(execerrors.CodeUnknownTool, "no tool registry configured")
	}
	schema, ok := n.registry.InputSchema(toolName)
	if !ok {
		return nil, execerrors.Newf(execerrors.CodeUnknownTool, "tool %q is not registered", toolName)
	}
	issues, err := n.registry.ValidateInput(toolName, raw)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 && n.recorder != nil {
		mismatch := diffSchema(toolName, schema, raw)
		go n.recorder.RecordMismatch(context.WithoutCancel(ctx), mismatch)
	}
	if len(issues) > 0 {
		return issues, execerrors.Newf(execerrors.CodeSchemaValidationFailed, "%d issue(s) validating %s parameters", len(issues), toolName)
	}
	return nil, nil
}

// diffSchema computes the field-level divergence between the declared schema
// properties and the supplied parameters.
func diffSchema(toolName string, schema map[string]any, raw map[string]any) tools.SchemaMismatch {
	mismatch := tools.SchemaMismatch{ToolName: toolName}
	props, _ := schema["properties"].(map[string]any)
	for field := range props {
		mismatch.Expected = append(mismatch.Expected, field)
	}
	for field := range raw {
		if _, ok := props[field]; !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, field)
		}
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		field, _ := r.(string)
		if _, ok := raw[field]; field != "" && !ok {
			mismatch.Missing = append(mismatch.Missing, field)
		}
	}
	return mismatch
}

func appendNote(explanation, note string) string {
	if explanation == "" {
		return note
	}
	return explanation + "; " + note
}

// parseISODate parses an ISO-8601 date or datetime string.
func parseISODate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339, Value: s}
}
