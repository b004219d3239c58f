// Package generate defines the structured generation contract consumed by the
// normalizer, planner, and semantic triage. Implementations wrap LLM provider
// SDKs and enforce schema-constrained output; see features/generate for the
// Anthropic, OpenAI, and Bedrock adapters.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRateLimited marks provider rate limiting errors so middleware can back
// off. Adapters join it into the returned error chain.
var ErrRateLimited = errors.New("generator: rate limited")

type (
	// Request describes a single structured generation call. The caller
	// specifies the output shape via Schema; generators must enforce it or
	// return an error.
	Request struct {
		// Prompt is the user-turn prompt text.
		Prompt string
		// System is the optional system instruction.
		System string
		// Schema is the JSON schema the response data must conform to.
		Schema map[string]any
		// Temperature controls sampling. Deterministic consumers (triage,
		// normalization) pass 0.
		Temperature float64
		// Timeout bounds the provider call. Zero means the provider default.
		Timeout time.Duration
	}

	// Response carries the schema-conformant data and provider metadata.
	Response struct {
		// Data is the raw JSON produced by the generator. It conforms to the
		// request schema.
		Data json.RawMessage
		// ModelID identifies the model that produced the response.
		ModelID string
		// Usage reports token consumption for the call.
		Usage TokenUsage
	}

	// TokenUsage reports prompt and completion token counts.
	TokenUsage struct {
		Prompt     int
		Completion int
		Total      int
	}

	// Generator produces schema-constrained structured output.
	Generator interface {
		Generate(ctx context.Context, req Request) (*Response, error)
	}

	// Middleware wraps a Generator with additional behavior (rate limiting,
	// retry, tracing).
	Middleware func(Generator) Generator
)

// Chain applies middlewares to g in order: the first middleware becomes the
// outermost wrapper.
func Chain(g Generator, mw ...Middleware) Generator {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			g = mw[i](g)
		}
	}
	return g
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Generate invokes the function.
func (f Func) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
