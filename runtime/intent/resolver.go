package intent

import (
	"sort"

	"github.com/google/uuid"
)

// AmbiguityGap is the confidence margin below which the top two candidates
// are considered indistinguishable and clarification is required.
const AmbiguityGap = 0.15

// Resolver arbitrates between competing normalized candidates.
type Resolver struct {
	ontology Ontology
	gap      float64
}

// NewResolver constructs a Resolver using the given ontology for high-risk
// capability detection. A zero gap defaults to AmbiguityGap.
func NewResolver(ontology Ontology, gap float64) *Resolver {
	if gap <= 0 {
		gap = AmbiguityGap
	}
	return &Resolver{ontology: ontology, gap: gap}
}

// Resolve picks the primary interpretation from the normalized candidates.
// The candidates are re-sorted by descending confidence. When the top two
// are within the ambiguity gap, or when they target conflicting high-risk
// capabilities, the primary is replaced with a CLARIFICATION_NEEDED intent
// linked to the best candidate.
func (r *Resolver) Resolve(candidates []Intent) Hypotheses {
	if len(candidates) == 0 {
		return Hypotheses{}
	}
	sorted := make([]Intent, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Confidence > sorted[b].Confidence
	})

	top := sorted[0]
	if len(sorted) == 1 {
		return Hypotheses{Primary: top, Alternatives: sorted}
	}

	second := sorted[1]
	ambiguous := top.Confidence-second.Confidence < r.gap || r.riskConflict(top, second)
	if !ambiguous {
		return Hypotheses{Primary: top, Alternatives: sorted}
	}

	return Hypotheses{
		Primary: Intent{
			ID:             uuid.NewString(),
			ParentIntentID: top.ID,
			Type:           TypeClarificationNeeded,
			Confidence:     top.Confidence,
			Parameters:     map[string]any{},
			RawText:        top.RawText,
			Explanation:    "multiple plausible interpretations",
			Metadata:       top.Metadata,
		},
		IsAmbiguous:  true,
		Alternatives: sorted,
	}
}

// riskConflict reports whether the two interpretations target different
// capabilities where at least one is high-risk. Acting on a near-tie
// involving a destructive capability must go through clarification.
func (r *Resolver) riskConflict(a, b Intent) bool {
	capA, capB := Capability(a), Capability(b)
	if capA == "" || capB == "" || capA == capB {
		return false
	}
	return r.ontology.IsHighRisk(capA) || r.ontology.IsHighRisk(capB)
}
