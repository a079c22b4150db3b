package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/schema"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func objectSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile(map[string]any{
		"type":       "object",
		"properties": map[string]any{"result": map[string]any{"type": "string"}},
	}, schema.WithName("output"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return s
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: `{"a":1}`}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{model.SystemMessage("sys"), model.UserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"a":1}` {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Provenance.Backend != "anthropic" || resp.Provenance.Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected provenance: %+v", resp.Provenance)
	}
	if u := resp.Provenance.Usage; u == nil || u.InputTokens != 10 || u.OutputTokens != 5 || u.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	p := stub.lastParams
	if p.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "sys" {
		t.Fatalf("unexpected system blocks: %+v", p.System)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(p.Messages))
	}
	if len(p.Tools) != 0 {
		t.Fatalf("expected no tools, got %d", len(p.Tools))
	}
}

func TestComplete_ForcesSchemaTool(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Here you go"},
			{Type: "tool_use", Name: "emit_output", ID: "tool-1", Input: json.RawMessage(`{"result":"ok"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Model:    "claude-haiku-4-5",
		Messages: []*model.Message{model.UserMessage("hi")},
		Schema:   objectSchema(t),
		Config:   model.GenerationConfig{Temperature: 0.5, MaxTokens: 256},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"result":"ok"}` {
		t.Fatalf("expected tool input, got %q", resp.Text)
	}
	if resp.Provenance.Usage != nil {
		t.Fatalf("expected no usage, got %+v", resp.Provenance.Usage)
	}
	p := stub.lastParams
	if len(p.Tools) != 1 || p.Tools[0].OfTool == nil || p.Tools[0].OfTool.Name != "emit_output" {
		t.Fatalf("unexpected tools: %+v", p.Tools)
	}
	if p.Tools[0].OfTool.InputSchema.ExtraFields["type"] != "object" {
		t.Fatalf("tool schema not propagated: %+v", p.Tools[0].OfTool.InputSchema.ExtraFields)
	}
	if p.ToolChoice.OfTool == nil || p.ToolChoice.OfTool.Name != "emit_output" {
		t.Fatalf("expected forced tool choice, got %+v", p.ToolChoice)
	}
	if p.Temperature.Value != 0.5 || p.MaxTokens != 256 {
		t.Fatalf("generation config not propagated: temp=%v max=%d", p.Temperature.Value, p.MaxTokens)
	}
}

func TestComplete_NonObjectSchemaUsesInstructions(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "[1]"}}}}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	arr, err := schema.Compile(`{"type":"array"}`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{model.UserMessage("list")},
		Schema:   arr,
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	p := stub.lastParams
	if len(p.Tools) != 0 {
		t.Fatalf("expected no tools for array schema")
	}
	if len(p.System) != 1 {
		t.Fatalf("expected schema instructions in system prompt, got %+v", p.System)
	}
}

func TestComplete_RefusedAndEmpty(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{StopReason: "refusal"}}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &model.Request{Messages: []*model.Message{model.UserMessage("hi")}}
	if _, err := cl.Complete(context.Background(), req); !errors.Is(err, model.ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	stub.resp = &sdk.Message{StopReason: sdk.StopReasonEndTurn}
	if _, err := cl.Complete(context.Background(), req); !errors.Is(err, model.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    &http.Request{},
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Request-Id": []string{"req_9"}}},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []*model.Message{model.UserMessage("hi")}})
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	pe, ok := model.AsProviderError(err)
	if !ok || pe.RequestID != "req_9" || !pe.Retryable {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
}

func TestComplete_Validation(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error for nil client")
	}
	cl, err := New(&stubMessagesClient{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{Messages: []*model.Message{model.UserMessage("hi")}}); err == nil {
		t.Fatal("expected error without model")
	}
	if _, err := cl.Complete(context.Background(), &model.Request{
		Model:    "claude",
		Messages: []*model.Message{model.SystemMessage("only system")},
	}); err == nil {
		t.Fatal("expected error without conversation messages")
	}
}
