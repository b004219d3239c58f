// Package failover maps triaged failures to declarative recovery policies.
// Policies are evaluated in registration order; the first policy whose
// conditions all hold wins and its first action is the recommendation.
package failover

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/triage"
)

type (
	// Policy declares a recovery strategy for a class of failures.
	Policy struct {
		// Name labels the policy.
		Name string `json:"name"`
		// IntentType restricts the policy to one intent type. Empty matches
		// every type.
		IntentType intent.Type `json:"intent_type,omitempty"`
		// FailureReasons are the triage categories the policy covers.
		FailureReasons []triage.Category `json:"failure_reasons"`
		// MinConfidence is the minimum triage confidence required.
		MinConfidence float64 `json:"min_confidence,omitempty"`
		// PartySizeRange optionally restricts to a party-size interval,
		// inclusive on both ends.
		PartySizeRange *Range `json:"party_size_range,omitempty"`
		// Actions are tried in order; the first is the recommendation.
		Actions []Action `json:"actions"`
	}

	// Range is an inclusive integer interval.
	Range struct {
		Min int `json:"min"`
		Max int `json:"max"`
	}

	// Action is one recovery step within a policy.
	Action struct {
		// Type is the recovery action kind.
		Type triage.Action `json:"type"`
		// MessageTemplate is the user-visible message with {token}
		// placeholders substituted from the failure context.
		MessageTemplate string `json:"message_template,omitempty"`
		// MaxRetries caps retry actions.
		MaxRetries int `json:"max_retries,omitempty"`
		// RetryDelay is the base delay for backoff retries.
		RetryDelay time.Duration `json:"retry_delay_ms,omitempty"`
		// Params carries action-specific values, such as alternative
		// parameter suggestions for RETRY_WITH_MODIFIED_PARAMS.
		Params map[string]any `json:"params,omitempty"`
	}

	// Situation is the failure context a policy is matched against.
	Situation struct {
		// IntentType of the failing execution.
		IntentType intent.Type
		// FailureReason is the triage category.
		FailureReason triage.Category
		// Confidence is the triage confidence.
		Confidence float64
		// PartySize is the party size when the intent carries one; zero
		// when absent.
		PartySize int
		// Tokens are the values substituted into message templates.
		Tokens map[string]string
	}

	// Match is the result of policy evaluation.
	Match struct {
		// Policy is the winning policy.
		Policy Policy
		// RecommendedAction is the policy's first action with its message
		// template rendered.
		RecommendedAction Action
		// Message is the rendered user-visible message.
		Message string
	}

	// Suggestion is one concrete alternative offered to the user.
	Suggestion struct {
		// Type names the suggestion kind, such as "alternative_time".
		Type string `json:"type"`
		// Value is the suggested value.
		Value string `json:"value"`
		// Message is the rendered user-visible text.
		Message string `json:"message,omitempty"`
		// Confidence orders suggestions, best first.
		Confidence float64 `json:"confidence"`
	}

	// Engine evaluates registered policies in order.
	Engine struct {
		policies []Policy
	}
)

// NewEngine constructs an Engine with the given policies in evaluation
// order.
func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: policies}
}

// Register appends policies after the existing ones.
func (e *Engine) Register(policies ...Policy) {
	e.policies = append(e.policies, policies...)
}

// Evaluate returns the first matching policy, or ok=false when none
// matches.
func (e *Engine) Evaluate(s Situation) (Match, bool) {
	for _, policy := range e.policies {
		if !matches(policy, s) {
			continue
		}
		if len(policy.Actions) == 0 {
			continue
		}
		action := policy.Actions[0]
		return Match{
			Policy:            policy,
			RecommendedAction: action,
			Message:           Render(action.MessageTemplate, s.Tokens),
		}, true
	}
	return Match{}, false
}

func matches(p Policy, s Situation) bool {
	if p.IntentType != "" && p.IntentType != s.IntentType {
		return false
	}
	if len(p.FailureReasons) > 0 {
		found := false
		for _, reason := range p.FailureReasons {
			if reason == s.FailureReason {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Confidence < p.MinConfidence {
		return false
	}
	if p.PartySizeRange != nil {
		if s.PartySize < p.PartySizeRange.Min || s.PartySize > p.PartySizeRange.Max {
			return false
		}
	}
	return true
}

// Suggestions expands the matched policy's actions into concrete user-facing
// alternatives. Each action's Params entry named "suggestions" contributes
// items of the form {type, value, confidence}; values and messages get token
// substitution. The result is deterministic: items are ordered by descending
// confidence, then by value.
func (m Match) Suggestions(tokens map[string]string) []Suggestion {
	var out []Suggestion
	for _, action := range m.Policy.Actions {
		raw, _ := action.Params["suggestions"].([]any)
		for _, item := range raw {
			entry, _ := item.(map[string]any)
			if entry == nil {
				continue
			}
			kind, _ := entry["type"].(string)
			value, _ := entry["value"].(string)
			confidence, _ := entry["confidence"].(float64)
			out = append(out, Suggestion{
				Type:       kind,
				Value:      Render(value, tokens),
				Message:    Render(action.MessageTemplate, tokens),
				Confidence: confidence,
			})
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Confidence != out[b].Confidence {
			return out[a].Confidence > out[b].Confidence
		}
		return out[a].Value < out[b].Value
	})
	return out
}

// Render substitutes {token} placeholders from the token map. Unknown
// tokens are left in place so missing context is visible downstream.
func Render(template string, tokens map[string]string) string {
	if template == "" || len(tokens) == 0 {
		return template
	}
	pairs := make([]string, 0, 2*len(tokens))
	for token, value := range tokens {
		pairs = append(pairs, fmt.Sprintf("{%s}", token), value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
