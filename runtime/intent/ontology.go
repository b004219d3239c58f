package intent

import "strings"

// Ontology declares the deterministic rules normalization applies per intent
// type: which parameter slots are required and which capabilities are
// considered high-risk for ambiguity arbitration.
type Ontology struct {
	// RequiredFields maps an intent type to the parameter slots it needs.
	RequiredFields map[Type][]string
	// HighRiskCapabilities lists capability suffixes that demand
	// conservative handling (confirmation, clarification on near-ties).
	HighRiskCapabilities []string
	// MissingFieldPenalty is the confidence decrement per missing required
	// field.
	MissingFieldPenalty float64
	// PastDatePenalty is the minimum decrement applied when a SCHEDULE
	// intent references a date already in the past.
	PastDatePenalty float64
	// ClarificationThreshold is the confidence floor below which the intent
	// is forced to CLARIFICATION_NEEDED.
	ClarificationThreshold float64
}

// DefaultOntology returns the rules shipped with the runtime.
func DefaultOntology() Ontology {
	return Ontology{
		RequiredFields: map[Type][]string{
			TypeSchedule: {"action", "temporal_expression"},
			TypeSearch:   {"query"},
			TypeAction:   {"capability"},
			TypeQuery:    {"subject"},
			TypeAnalysis: {"target"},
		},
		HighRiskCapabilities: []string{
			".delete", ".remove", ".cancel", ".pay", ".transfer", ".send",
		},
		MissingFieldPenalty:    0.2,
		PastDatePenalty:        0.15,
		ClarificationThreshold: 0.6,
	}
}

// MissingFields returns the required slots absent or empty in params.
func (o Ontology) MissingFields(t Type, params map[string]any) []string {
	var missing []string
	for _, field := range o.RequiredFields[t] {
		v, ok := params[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// IsHighRisk reports whether the capability name matches a high-risk suffix.
func (o Ontology) IsHighRisk(capability string) bool {
	lowered := strings.ToLower(capability)
	for _, suffix := range o.HighRiskCapabilities {
		if strings.HasSuffix(lowered, suffix) {
			return true
		}
	}
	return false
}

// Capability extracts the capability slot from an intent's parameters.
// Returns the empty string when absent.
func Capability(i Intent) string {
	if c, ok := i.Parameters["capability"].(string); ok {
		return c
	}
	return ""
}
