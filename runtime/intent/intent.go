// Package intent turns raw LLM interpretations of user utterances into
// canonical typed intents. Normalization applies deterministic confidence
// rules from the ontology; the ambiguity resolver arbitrates between
// competing candidate interpretations.
package intent

// Type classifies what the user wants. The enum is closed: normalization
// maps any unrecognized candidate type to TypeUnknown.
type Type string

const (
	// TypeSchedule is a request to create or move a calendar commitment.
	TypeSchedule Type = "SCHEDULE"
	// TypeSearch is an information retrieval request.
	TypeSearch Type = "SEARCH"
	// TypeAction is a request to perform a side-effecting capability.
	TypeAction Type = "ACTION"
	// TypeQuery is a question answerable from known state.
	TypeQuery Type = "QUERY"
	// TypePlanning is a multi-step goal requiring decomposition.
	TypePlanning Type = "PLANNING"
	// TypeAnalysis is a request to analyze or summarize data.
	TypeAnalysis Type = "ANALYSIS"
	// TypeUnknown is the fallback when the candidate cannot be interpreted.
	TypeUnknown Type = "UNKNOWN"
	// TypeClarificationNeeded indicates the system must ask before acting.
	TypeClarificationNeeded Type = "CLARIFICATION_NEEDED"
	// TypeRefused indicates the request was declined by policy.
	TypeRefused Type = "REFUSED"
)

// Types enumerates every member of the closed enum.
var Types = []Type{
	TypeSchedule, TypeSearch, TypeAction, TypeQuery, TypePlanning,
	TypeAnalysis, TypeUnknown, TypeClarificationNeeded, TypeRefused,
}

// Valid reports whether t is a member of the closed enum.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

type (
	// Intent is the canonical interpretation of a user utterance.
	Intent struct {
		// ID uniquely identifies the intent.
		ID string `json:"id"`
		// ParentIntentID links clarification intents to the interpretation
		// they replaced. Empty for top-level intents.
		ParentIntentID string `json:"parent_intent_id,omitempty"`
		// Type classifies the intent.
		Type Type `json:"type"`
		// Confidence is the calibrated interpretation confidence in [0,1].
		// It is deterministic given the candidate, the type, and the
		// ontology rules.
		Confidence float64 `json:"confidence"`
		// Parameters carries the typed slots extracted from the utterance.
		Parameters map[string]any `json:"parameters"`
		// RawText is the original utterance.
		RawText string `json:"raw_text"`
		// Explanation records why the interpretation was chosen, including
		// any normalization penalties applied.
		Explanation string `json:"explanation,omitempty"`
		// Metadata records provenance.
		Metadata Metadata `json:"metadata"`
	}

	// Metadata records intent provenance.
	Metadata struct {
		// Version is the normalization rule version.
		Version string `json:"version"`
		// Timestamp is when the intent was normalized (ISO-8601, UTC).
		Timestamp string `json:"timestamp"`
		// Source identifies the producer: "model" or "system_fallback".
		Source string `json:"source"`
		// ModelID identifies the generator that produced the candidate.
		ModelID string `json:"model_id,omitempty"`
	}

	// Candidate is a raw LLM interpretation prior to normalization.
	Candidate struct {
		// Type is the claimed intent type.
		Type string `json:"type"`
		// Confidence is the model's self-reported confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Parameters are the extracted slots.
		Parameters map[string]any `json:"parameters"`
		// Explanation is the model's rationale.
		Explanation string `json:"explanation,omitempty"`
	}

	// Hypotheses is the outcome of ambiguity resolution over candidates.
	Hypotheses struct {
		// Primary is the interpretation execution should proceed with. When
		// IsAmbiguous is true, Primary has type CLARIFICATION_NEEDED.
		Primary Intent `json:"primary"`
		// IsAmbiguous reports whether the candidates were too close or too
		// risky to pick between automatically.
		IsAmbiguous bool `json:"is_ambiguous"`
		// Alternatives lists the candidate interpretations, best first.
		Alternatives []Intent `json:"alternatives,omitempty"`
	}
)
