// Package anthropic provides a generate.Generator backed by the Anthropic
// Claude Messages API. Structured output is enforced through a forced tool
// call: the request schema becomes the input schema of a single tool and the
// model is required to invoke it, so the tool_use payload is the
// schema-conformant result.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/conductor/runtime/generate"
)

const (
	emitToolName     = "emit_result"
	emitToolDesc     = "Record the result in the required structure."
	defaultMaxTokens = 4096
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. Satisfied by *sdk.MessageService so tests can pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier. Required. Prefer the typed
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string

		// MaxTokens caps the completion. Defaults to 4096.
		MaxTokens int
	}

	// Client implements generate.Generator on top of Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
	}
)

var _ generate.Generator = (*Client)(nil)

// New builds an Anthropic-backed generator.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.Model, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Generate implements generate.Generator.
func (c *Client) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("anthropic: prompt is required")
	}
	if len(req.Schema) == 0 {
		return nil, errors.New("anthropic: output schema is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	params := sdk.MessageNewParams{
		MaxTokens:  int64(c.maxTok),
		Model:      sdk.Model(c.model),
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		ToolChoice: sdk.ToolChoiceParamOfTool(emitToolName),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: req.Schema}, emitToolName)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String(emitToolDesc)
	}
	params.Tools = []sdk.ToolUnionParam{tool}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", generate.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg, c.model)
}

func translateResponse(msg *sdk.Message, modelID string) (*generate.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var data json.RawMessage
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		raw, err := json.Marshal(block.Input)
		if err != nil {
			return nil, fmt.Errorf("anthropic: decode tool_use payload: %w", err)
		}
		data = raw
		break
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("anthropic: no tool_use block in response (stop_reason %q)", msg.StopReason)
	}
	resp := &generate.Response{
		Data:    data,
		ModelID: modelID,
		Usage: generate.TokenUsage{
			Prompt:     int(msg.Usage.InputTokens),
			Completion: int(msg.Usage.OutputTokens),
			Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	return resp, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
