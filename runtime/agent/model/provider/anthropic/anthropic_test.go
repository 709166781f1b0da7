package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/sagents-ai/sagents/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&noopDecoder{}, nil)
	}
	return s.stream
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func textRequest(text string) *model.Request {
	return &model.Request{
		Messages: []*model.Message{{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
	}
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	resp, err := cl.Complete(context.Background(), textRequest("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 content message, got %d", len(resp.Content))
	}
	if got := resp.Content[0].Parts[0].(model.TextPart).Text; got != "world" {
		t.Fatalf("unexpected text %q", got)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := textRequest("call tool")
	req.Tools = []*model.ToolDefinition{{
		Name:        "test.tool",
		Description: "test tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}

	toolParams, canon, prov, err := encodeTools(req.Tools)
	if err != nil {
		t.Fatalf("encodeTools: %v", err)
	}
	if len(toolParams) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(toolParams))
	}
	if len(canon) != 1 || len(prov) != 1 {
		t.Fatalf("expected name maps, got canon=%v prov=%v", canon, prov)
	}
	sanitized := canon["test.tool"]
	if sanitized == "" {
		t.Fatalf("sanitizeToolName returned empty")
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type: "tool_use", Name: sanitized, ID: "tool-1", Input: json.RawMessage(`{"x":1}`),
		}},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if string(call.Name) != "test.tool" {
		t.Fatalf("unexpected tool name %q", call.Name)
	}
	if call.ID != "tool-1" {
		t.Fatalf("unexpected tool ID %q", call.ID)
	}
	if string(call.Payload) != `{"x":1}` {
		t.Fatalf("unexpected payload %s", string(call.Payload))
	}
}

func TestCompleteRateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: model.ErrRateLimited}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), textRequest("hi"))
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestResolveModelIDPrefersRequestThenClass(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{
		DefaultModel: "default-model",
		HighModel:    "high-model",
		SmallModel:   "small-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cl.resolveModelID(&model.Request{Model: "explicit"}); got != "explicit" {
		t.Fatalf("expected explicit model, got %q", got)
	}
	if got := cl.resolveModelID(&model.Request{ModelClass: model.ModelClassHighReasoning}); got != "high-model" {
		t.Fatalf("expected high model, got %q", got)
	}
	if got := cl.resolveModelID(&model.Request{ModelClass: model.ModelClassSmall}); got != "small-model" {
		t.Fatalf("expected small model, got %q", got)
	}
	if got := cl.resolveModelID(&model.Request{}); got != "default-model" {
		t.Fatalf("expected default model, got %q", got)
	}
}

func TestSanitizeToolNameStripsToolsetPrefix(t *testing.T) {
	if got := sanitizeToolName("search.web.web_search"); got != "search" {
		t.Fatalf("expected redundant toolset prefix stripped, got %q", got)
	}
	if got := sanitizeToolName("weird name!"); got != "weird_name_" {
		t.Fatalf("expected sanitized name, got %q", got)
	}
}

func TestStreamTextDelta(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3-5-sonnet", MaxTokens: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	streamer, err := cl.Stream(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer streamer.Close()

	// The noopDecoder yields no events, so Recv should drain straight to EOF.
	_, err = streamer.Recv()
	if err == nil {
		t.Fatal("expected an error or EOF from an empty stream")
	}
}
