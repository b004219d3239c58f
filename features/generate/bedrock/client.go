// Package bedrock provides a generate.Generator backed by the AWS Bedrock
// Converse API. Structured output is enforced through a forced tool call: the
// request schema becomes the tool input schema and ToolChoice pins the model
// to that tool, so the returned tool_use document is the result.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/conductor/runtime/generate"
)

const (
	emitToolName     = "emit_result"
	emitToolDesc     = "Record the result in the required structure."
	defaultMaxTokens = 4096
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. Satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Model is the Bedrock model identifier. Required.
		Model string

		// MaxTokens caps the completion. Defaults to 4096.
		MaxTokens int
	}

	// Client implements generate.Generator on top of Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		maxTok  int
	}
)

var _ generate.Generator = (*Client)(nil)

// New builds a Bedrock-backed generator.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{runtime: runtime, model: opts.Model, maxTok: maxTok}, nil
}

// Generate implements generate.Generator.
func (c *Client) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("bedrock: prompt is required")
	}
	if len(req.Schema) == 0 {
		return nil, errors.New("bedrock: output schema is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
		}},
		ToolConfig: &brtypes.ToolConfiguration{
			Tools: []brtypes.Tool{&brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(emitToolName),
				Description: aws.String(emitToolDesc),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(req.Schema)},
			}}},
			ToolChoice: &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(emitToolName)},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(c.maxTok)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", generate.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output, c.model)
}

func translateResponse(output *bedrockruntime.ConverseOutput, modelID string) (*generate.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	var data json.RawMessage
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberToolUse); ok {
				data = decodeDocument(v.Value.Input)
				break
			}
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("bedrock: no tool_use block in response (stop_reason %q)", output.StopReason)
	}
	resp := &generate.Response{Data: data, ModelID: modelID}
	if usage := output.Usage; usage != nil {
		resp.Usage = generate.TokenUsage{
			Prompt:     int(aws.ToInt32(usage.InputTokens)),
			Completion: int(aws.ToInt32(usage.OutputTokens)),
			Total:      int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return resp, nil
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// isRateLimited treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}
