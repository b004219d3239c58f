package triage

import (
	"context"
	"strings"
)

type (
	// Rule matches a failure by substring and numeric code. Rules are
	// evaluated in order; the first match wins.
	Rule struct {
		// Name labels the rule in explanations.
		Name string
		// Contains are lowercased substrings; any one matching the error
		// text satisfies the rule. Empty means text is not consulted.
		Contains []string
		// Codes are numeric error codes that satisfy the rule. Empty means
		// the code is not consulted.
		Codes []int
		// Category is assigned on match.
		Category Category
		// Confidence assigned on match.
		Confidence float64
	}

	// Heuristic is the deterministic rule-based triage engine.
	Heuristic struct {
		rules       []Rule
		recoverable map[Category]bool
		actions     map[Category]Action
	}
)

// DefaultRules is the shipped rule order. More specific rules come first:
// a rate-limit message also containing "timeout" classifies as rate limited.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "rate_limit", Contains: []string{"rate limit", "too many requests", "throttl"}, Codes: []int{429}, Category: CategoryRateLimited, Confidence: 0.95},
		{Name: "timeout", Contains: []string{"timeout", "timed out", "deadline exceeded", "context deadline"}, Codes: []int{408, 504}, Category: CategoryTimeout, Confidence: 0.9},
		{Name: "unavailable", Contains: []string{"unavailable", "connection refused", "no such host", "bad gateway", "econnreset"}, Codes: []int{502, 503}, Category: CategoryUnavailable, Confidence: 0.9},
		{Name: "auth", Contains: []string{"unauthorized", "forbidden", "invalid api key", "authentication"}, Codes: []int{401, 403}, Category: CategoryAuth, Confidence: 0.95},
		{Name: "not_found", Contains: []string{"not found", "does not exist", "no such"}, Codes: []int{404}, Category: CategoryNotFound, Confidence: 0.85},
		{Name: "conflict", Contains: []string{"conflict", "already booked", "already exists", "double booking", "fully booked", "no availability"}, Codes: []int{409}, Category: CategoryConflict, Confidence: 0.85},
		{Name: "invalid_input", Contains: []string{"invalid", "validation", "malformed", "bad request", "missing required"}, Codes: []int{400, 422}, Category: CategoryInvalidInput, Confidence: 0.8},
		{Name: "permanent", Contains: []string{"not supported", "unsupported", "permanently", "gone"}, Codes: []int{410, 501}, Category: CategoryPermanent, Confidence: 0.85},
	}
}

// DefaultRecoverable is the set of categories a retry may resolve.
func DefaultRecoverable() map[Category]bool {
	return map[Category]bool{
		CategoryRateLimited: true,
		CategoryTimeout:     true,
		CategoryUnavailable: true,
		CategoryConflict:    true,
	}
}

// DefaultActions maps each category to its default recovery.
func DefaultActions() map[Category]Action {
	return map[Category]Action{
		CategoryRateLimited:  ActionRetryBackoff,
		CategoryTimeout:      ActionRetryBackoff,
		CategoryUnavailable:  ActionRetryBackoff,
		CategoryConflict:     ActionRetryModified,
		CategoryInvalidInput: ActionRetryModified,
		CategoryAuth:         ActionEscalate,
		CategoryNotFound:     ActionSkip,
		CategoryPermanent:    ActionEscalate,
		CategoryUnknown:      ActionEscalate,
	}
}

// NewHeuristic constructs the rule engine. Nil arguments use the defaults.
func NewHeuristic(rules []Rule, recoverable map[Category]bool, actions map[Category]Action) *Heuristic {
	if rules == nil {
		rules = DefaultRules()
	}
	if recoverable == nil {
		recoverable = DefaultRecoverable()
	}
	if actions == nil {
		actions = DefaultActions()
	}
	return &Heuristic{rules: rules, recoverable: recoverable, actions: actions}
}

// Triage implements Service. Matching is over the lowercased message and the
// numeric code; the first matching rule wins.
func (h *Heuristic) Triage(_ context.Context, f Failure) (result Result) {
	defer func() {
		if recover() != nil {
			result = Unknown()
		}
	}()

	text := strings.ToLower(f.Message)
	for _, rule := range h.rules {
		if !h.matches(rule, text, f.Code) {
			continue
		}
		action, ok := h.actions[rule.Category]
		if !ok {
			action = ActionEscalate
		}
		return Result{
			Category:        rule.Category,
			Recoverable:     h.recoverable[rule.Category],
			Confidence:      rule.Confidence,
			Explanation:     "heuristic rule " + rule.Name,
			SuggestedAction: action,
		}
	}
	return Unknown()
}

func (h *Heuristic) matches(rule Rule, text string, code int) bool {
	for _, c := range rule.Codes {
		if code != 0 && code == c {
			return true
		}
	}
	for _, sub := range rule.Contains {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}
