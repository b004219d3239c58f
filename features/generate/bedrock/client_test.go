package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/conductor/runtime/generate"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(
	_ context.Context,
	params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

func toolUseOutput(payload map[string]any) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:      aws.String(emitToolName),
					ToolUseId: aws.String("tool-1"),
					Input:     document.NewLazyDocument(&payload),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(10),
			OutputTokens: aws.Int32(5),
			TotalTokens:  aws.Int32(15),
		},
	}
}

func TestNewValidations(t *testing.T) {
	_, err := New(nil, Options{Model: "anthropic.claude-sonnet-4"})
	require.Error(t, err)

	_, err = New(&stubRuntimeClient{}, Options{})
	require.Error(t, err)
}

func TestGenerate_ForcedToolCall(t *testing.T) {
	stub := &stubRuntimeClient{output: toolUseOutput(map[string]any{"steps": []any{}})}
	cl, err := New(stub, Options{Model: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	resp, err := cl.Generate(context.Background(), generate.Request{
		Prompt: "plan the booking",
		System: "you are a planner",
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &decoded))
	require.Equal(t, map[string]any{"steps": []any{}}, decoded)
	require.Equal(t, "anthropic.claude-sonnet-4", resp.ModelID)
	require.Equal(t, generate.TokenUsage{Prompt: 10, Completion: 5, Total: 15}, resp.Usage)

	input := stub.lastInput
	require.Equal(t, "anthropic.claude-sonnet-4", aws.ToString(input.ModelId))
	require.Len(t, input.System, 1)
	require.Len(t, input.ToolConfig.Tools, 1)
	choice, ok := input.ToolConfig.ToolChoice.(*brtypes.ToolChoiceMemberTool)
	require.True(t, ok)
	require.Equal(t, emitToolName, aws.ToString(choice.Value.Name))
	require.Equal(t, int32(defaultMaxTokens), aws.ToInt32(input.InferenceConfig.MaxTokens))
}

func TestGenerate_NoToolUseBlock(t *testing.T) {
	stub := &stubRuntimeClient{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "cannot comply"}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
	}}
	cl, err := New(stub, Options{Model: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	_, err = cl.Generate(context.Background(), generate.Request{
		Prompt: "plan",
		Schema: map[string]any{"type": "object"},
	})
	require.Error(t, err)
}

func TestGenerate_RequiresPromptAndSchema(t *testing.T) {
	cl, err := New(&stubRuntimeClient{}, Options{Model: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	_, err = cl.Generate(context.Background(), generate.Request{Schema: map[string]any{"type": "object"}})
	require.Error(t, err)

	_, err = cl.Generate(context.Background(), generate.Request{Prompt: "p"})
	require.Error(t, err)
}

func TestGenerate_ThrottlingWrapsRateLimited(t *testing.T) {
	stub := &stubRuntimeClient{err: &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "rate exceeded",
	}}
	cl, err := New(stub, Options{Model: "anthropic.claude-sonnet-4"})
	require.NoError(t, err)

	_, err = cl.Generate(context.Background(), generate.Request{
		Prompt: "plan",
		Schema: map[string]any{"type": "object"},
	})
	require.ErrorIs(t, err, generate.ErrRateLimited)
}

func TestIsRateLimitedCodes(t *testing.T) {
	require.True(t, isRateLimited(&smithy.GenericAPIError{Code: "TooManyRequestsException"}))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "ValidationException"}))
	require.False(t, isRateLimited(errors.New("plain")))
	require.False(t, isRateLimited(nil))
}
