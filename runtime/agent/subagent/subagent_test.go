package subagent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/runtime/agent/hooks"
	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

// scriptedModel replays a fixed queue of Responses, one per Complete call.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
	calls     int
	release   chan struct{}
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if i >= len(m.responses) {
		return &model.Response{}, nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, context.Canceled
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: text}},
	}}}
}

func toolCallResponse(callID, name, args string) *model.Response {
	return &model.Response{ToolCalls: []model.ToolCall{
		{ID: callID, Name: tools.Ident(name), Payload: json.RawMessage(args)},
	}}
}

func taskArgsJSON(t *testing.T, subAgentType, input string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(taskArgs{SubAgentType: subAgentType, Input: input})
	require.NoError(t, err)
	return b
}

func resumeArgsJSON(t *testing.T, subAgentID string, decisions []pipeline.ResumeDecision) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(taskArgs{ResumeInfo: &resumeInfoArgs{SubAgentID: subAgentID, Decisions: decisions}})
	require.NoError(t, err)
	return b
}

func TestLaunchRunsChildToCompletion(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("child says hi")}}
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs: map[string]*middleware.SubAgentSpec{
			"researcher": {
				Type: "researcher",
				Build: func(parent *state.AgentConfig) (*state.AgentConfig, error) {
					return &state.AgentConfig{ChatModel: llm}, nil
				},
			},
		},
		Bus: hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	result, err := h(context.Background(), state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "researcher", "go look into X")}, state.NewState("parent"))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "child says hi", result.Content)
	assert.Nil(t, result.ProcessedContent)
}

func TestLaunchRoutesToRemoteWhenSpecHasRemote(t *testing.T) {
	var gotArgs json.RawMessage
	remote := func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
		gotArgs = call.Arguments
		return state.ToolResult{CallID: call.CallID, Name: call.Name, Content: "remote says hi"}, nil
	}
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs: map[string]*middleware.SubAgentSpec{
			"remote-worker": {Type: "remote-worker", Remote: remote},
		},
		Bus: hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	call := state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "remote-worker", "go look into X")}
	result, err := h(context.Background(), call, state.NewState("parent"))
	require.NoError(t, err)
	assert.Equal(t, "remote says hi", result.Content)
	assert.Equal(t, call.Arguments, gotArgs)
}

func TestResumeRoutesBackToSameRemoteAfterInterrupt(t *testing.T) {
	calls := 0
	remote := func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
		calls++
		var args taskArgs
		require.NoError(t, json.Unmarshal(call.Arguments, &args))
		if args.ResumeInfo == nil {
			return state.ToolResult{
				Content: "awaiting a decision",
				ProcessedContent: &state.InterruptSignal{
					Kind:       state.InterruptKindSubAgentHITL,
					SubAgentID: "remote-child-1",
				},
			}, nil
		}
		assert.Equal(t, "remote-child-1", args.ResumeInfo.SubAgentID)
		return state.ToolResult{Content: "resumed and done"}, nil
	}
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs: map[string]*middleware.SubAgentSpec{
			"remote-worker": {Type: "remote-worker", Remote: remote},
		},
		Bus: hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	first, err := h(context.Background(), state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "remote-worker", "go look into X")}, state.NewState("parent"))
	require.NoError(t, err)
	sig, ok := first.ProcessedContent.(*state.InterruptSignal)
	require.True(t, ok)
	assert.Equal(t, "remote-child-1", sig.SubAgentID)

	second, err := h(context.Background(), state.ToolCall{CallID: "c2", Name: middleware.TaskToolName,
		Arguments: resumeArgsJSON(t, sig.SubAgentID, nil)}, state.NewState("parent"))
	require.NoError(t, err)
	assert.Equal(t, "resumed and done", second.Content)
	assert.Equal(t, 2, calls)
}

func TestLaunchUnknownSubAgentTypeErrors(t *testing.T) {
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs:        map[string]*middleware.SubAgentSpec{},
		Bus:          hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	_, err := h(context.Background(), state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "nope", "x")}, state.NewState("parent"))
	require.Error(t, err)
}

func TestLaunchInterruptsThenResumeCompletes(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "dangerous", `{"arg":1}`),
		textResponse("finished after approval"),
	}}
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs: map[string]*middleware.SubAgentSpec{
			"dangerous_agent": {
				Type: "dangerous_agent",
				Build: func(parent *state.AgentConfig) (*state.AgentConfig, error) {
					return &state.AgentConfig{
						ChatModel: llm,
						Tools:     []*tools.ToolSpec{{Name: tools.Ident("dangerous")}},
						Middleware: []state.MiddlewareEntry{
							{Module: middleware.HumanInTheLoop{}},
						},
					}, nil
				},
				MiddlewareOpts: []map[string]any{
					{"interrupt_on": []string{"dangerous"}},
				},
			},
		},
		Bus: hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	result, err := h(context.Background(), state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "dangerous_agent", "do something risky")}, state.NewState("parent"))
	require.NoError(t, err)
	require.NotNil(t, result.ProcessedContent)
	sig, ok := result.ProcessedContent.(*state.InterruptSignal)
	require.True(t, ok)
	assert.Equal(t, state.InterruptKindSubAgentHITL, sig.Kind)
	assert.Equal(t, "dangerous_agent", sig.SubAgentType)
	require.NotNil(t, sig.InterruptData)
	require.Len(t, sig.InterruptData.Current.ActionRequests, 1)
	assert.Equal(t, "dangerous", sig.InterruptData.Current.ActionRequests[0].ToolName)

	result2, err := h(context.Background(), state.ToolCall{CallID: "c2", Name: middleware.TaskToolName,
		Arguments: resumeArgsJSON(t, sig.SubAgentID, []pipeline.ResumeDecision{{Decision: state.DecisionApprove}})},
		state.NewState("parent"))
	require.NoError(t, err)
	assert.False(t, result2.IsError)
	assert.Equal(t, "finished after approval", result2.Content)
}

func TestResumeUnknownSubAgentIDErrors(t *testing.T) {
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs:        map[string]*middleware.SubAgentSpec{},
		Bus:          hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	_, err := h(context.Background(), state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: resumeArgsJSON(t, "sub-missing", nil)}, state.NewState("parent"))
	require.Error(t, err)
}

func TestLaunchCanceledContextStopsWaitingAndCancelsChild(t *testing.T) {
	release := make(chan struct{})
	llm := &scriptedModel{responses: []*model.Response{textResponse("hi")}, release: release}
	cfg := Config{
		ParentConfig: &state.AgentConfig{AgentID: "parent"},
		Specs: map[string]*middleware.SubAgentSpec{
			"slow": {
				Type: "slow",
				Build: func(parent *state.AgentConfig) (*state.AgentConfig, error) {
					return &state.AgentConfig{ChatModel: llm}, nil
				},
			},
		},
		Bus: hooks.NewBus(nil),
	}
	h := NewTaskToolHandler(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h(ctx, state.ToolCall{CallID: "c1", Name: middleware.TaskToolName,
		Arguments: taskArgsJSON(t, "slow", "take your time")}, state.NewState("parent"))
	require.Error(t, err)
	close(release)
}
