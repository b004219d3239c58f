package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/conductor/runtime/generate"
)

type stubChatClient struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func completion(content string) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Model: "gpt-4o-2024-08-06",
		Choices: []sdk.ChatCompletionChoice{
			{Message: sdk.ChatCompletionMessage{Content: content}, FinishReason: "stop"},
		},
		Usage: sdk.CompletionUsage{
			PromptTokens:     20,
			CompletionTokens: 8,
			TotalTokens:      28,
		},
	}
}

func TestNewValidations(t *testing.T) {
	if _, err := New(nil, Options{Model: "gpt-4o"}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(&stubChatClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestGenerate_StrictJSONSchema(t *testing.T) {
	stub := &stubChatClient{resp: completion(`{"steps":[]}`)}
	cl, err := New(stub, Options{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Generate(context.Background(), generate.Request{
		Prompt: "plan the booking",
		System: "you are a planner",
		Schema: map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(resp.Data) != `{"steps":[]}` {
		t.Fatalf("unexpected data %s", resp.Data)
	}
	if resp.ModelID != "gpt-4o-2024-08-06" {
		t.Fatalf("unexpected model %q", resp.ModelID)
	}
	if resp.Usage.Prompt != 20 || resp.Usage.Completion != 8 || resp.Usage.Total != 28 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	params := stub.lastParams
	if len(params.Messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(params.Messages))
	}
	jsonSchema := params.ResponseFormat.OfJSONSchema
	if jsonSchema == nil {
		t.Fatal("expected json_schema response format")
	}
	if jsonSchema.JSONSchema.Name != schemaName {
		t.Fatalf("unexpected schema name %q", jsonSchema.JSONSchema.Name)
	}
	if !jsonSchema.JSONSchema.Strict.Value {
		t.Fatal("expected strict mode enabled")
	}
}

func TestGenerate_RejectsNonJSONCompletion(t *testing.T) {
	stub := &stubChatClient{resp: completion("sorry, I cannot")}
	cl, err := New(stub, Options{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Generate(context.Background(), generate.Request{
		Prompt: "plan",
		Schema: map[string]any{"type": "object"},
	})
	if err == nil {
		t.Fatal("expected error for non-JSON completion")
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	stub := &stubChatClient{resp: &sdk.ChatCompletion{}}
	cl, err := New(stub, Options{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Generate(context.Background(), generate.Request{
		Prompt: "plan",
		Schema: map[string]any{"type": "object"},
	})
	if err == nil {
		t.Fatal("expected error for empty choice list")
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	stub := &stubChatClient{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	cl, err := New(stub, Options{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Generate(context.Background(), generate.Request{
		Prompt: "plan",
		Schema: map[string]any{"type": "object"},
	})
	if !errors.Is(err, generate.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
