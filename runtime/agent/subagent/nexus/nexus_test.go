package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

var errBoom = errors.New("boom")

func TestRunLocalForwardsToolResult(t *testing.T) {
	var captured state.ToolCall
	handle := pipeline.ToolHandlerFunc(func(_ context.Context, call state.ToolCall, _ *state.State) (state.ToolResult, error) {
		captured = call
		return state.ToolResult{Content: "done"}, nil
	})

	args := json.RawMessage(`{"subagent_type":"researcher","input":"find x"}`)
	out, err := runLocal(context.Background(), handle, TaskInput{Arguments: args})
	if err != nil {
		t.Fatalf("runLocal: %v", err)
	}
	if out.Content != "done" {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if out.IsError {
		t.Fatal("unexpected error result")
	}
	if string(captured.Arguments) != string(args) {
		t.Fatalf("arguments not forwarded: got %s", captured.Arguments)
	}
	if captured.Name != "task" {
		t.Fatalf("unexpected call name %q", captured.Name)
	}
}

func TestRunLocalTranslatesInterruptSignal(t *testing.T) {
	signal := &state.InterruptSignal{
		Kind:         state.InterruptKindSubAgentHITL,
		SubAgentID:   "sub-1",
		SubAgentType: "researcher",
	}
	handle := pipeline.ToolHandlerFunc(func(_ context.Context, _ state.ToolCall, _ *state.State) (state.ToolResult, error) {
		return state.ToolResult{Content: "awaiting decision", ProcessedContent: signal}, nil
	})

	out, err := runLocal(context.Background(), handle, TaskInput{Arguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("runLocal: %v", err)
	}
	if len(out.ProcessedContent) == 0 {
		t.Fatal("expected processed content to be marshaled")
	}
	var decoded state.InterruptSignal
	if err := json.Unmarshal(out.ProcessedContent, &decoded); err != nil {
		t.Fatalf("unmarshal processed content: %v", err)
	}
	if decoded.SubAgentID != "sub-1" || decoded.SubAgentType != "researcher" {
		t.Fatalf("unexpected decoded signal: %+v", decoded)
	}
}

func TestRunLocalPropagatesHandlerError(t *testing.T) {
	handle := pipeline.ToolHandlerFunc(func(_ context.Context, _ state.ToolCall, _ *state.State) (state.ToolResult, error) {
		return state.ToolResult{}, errBoom
	})
	if _, err := runLocal(context.Background(), handle, TaskInput{Arguments: json.RawMessage(`{}`)}); err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
}
