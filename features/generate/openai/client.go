// Package openai provides a generate.Generator backed by the OpenAI Chat
// Completions API. Structured output is enforced natively through the
// json_schema response format with strict mode enabled.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"goa.design/conductor/runtime/generate"
)

const schemaName = "structured_output"

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	// Satisfied by *sdk.ChatCompletionService so tests can pass a mock.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Model is the model identifier. Required.
		Model string
	}

	// Client implements generate.Generator via Chat Completions.
	Client struct {
		chat  ChatClient
		model string
	}
)

var _ generate.Generator = (*Client)(nil)

// New builds an OpenAI-backed generator.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{chat: chat, model: opts.Model}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{Model: model})
}

// Generate implements generate.Generator.
func (c *Client) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("openai: prompt is required")
	}
	if len(req.Schema) == 0 {
		return nil, errors.New("openai: output schema is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Schema: req.Schema,
					Strict: sdk.Bool(true),
				},
			},
		},
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", generate.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func translateResponse(resp *sdk.ChatCompletion) (*generate.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return nil, fmt.Errorf("openai: empty completion (finish_reason %q)", resp.Choices[0].FinishReason)
	}
	if !json.Valid([]byte(content)) {
		return nil, errors.New("openai: completion is not valid JSON")
	}
	return &generate.Response{
		Data:    json.RawMessage(content),
		ModelID: resp.Model,
		Usage: generate.TokenUsage{
			Prompt:     int(resp.Usage.PromptTokens),
			Completion: int(resp.Usage.CompletionTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
