package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

// scriptedModel replays a fixed queue of Responses, one per Complete call,
// so tests can drive specific pipeline turns deterministically.
type scriptedModel struct {
	responses []*model.Response
	errs      []error
	calls     int
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	i := m.calls
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i >= len(m.responses) {
		return &model.Response{}, nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("scriptedModel: streaming not used in tests")
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: text}},
	}}}
}

func toolCallResponse(callID, name string, args string) *model.Response {
	return &model.Response{ToolCalls: []model.ToolCall{
		{ID: callID, Name: tools.Ident(name), Payload: json.RawMessage(args)},
	}}
}

func newAgentConfig(client model.Client, toolNames ...string) *state.AgentConfig {
	cfg := &state.AgentConfig{AgentID: "a1", ChatModel: client}
	for _, n := range toolNames {
		cfg.Tools = append(cfg.Tools, &tools.ToolSpec{Name: tools.Ident(n)})
	}
	return cfg
}

func TestRunSingleTurnEndsOK(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("hello")}}
	p, err := New(Config{Agent: newAgentConfig(llm)})
	require.NoError(t, err)

	s := state.NewState("a1")
	final, res := p.Run(context.Background(), s)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, final.Messages, 1)
	assert.Equal(t, state.RoleAssistant, final.Messages[0].Role)
}

func TestRunExecutesToolThenLoopsBackToLLM(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "echo", `{"text":"hi"}`),
		textResponse("done"),
	}}
	var sawCall state.ToolCall
	handlers := ToolHandlers{
		"echo": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			sawCall = call
			return state.ToolResult{Content: "hi"}, nil
		},
	}
	p, err := New(Config{Agent: newAgentConfig(llm, "echo"), Tools: handlers})
	require.NoError(t, err)

	final, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, "echo", sawCall.Name)
	assert.Equal(t, 2, llm.calls)

	// messages: assistant(tool call) -> tool(result) -> assistant(final)
	require.Len(t, final.Messages, 3)
	assert.Equal(t, state.RoleTool, final.Messages[1].Role)
	assert.False(t, final.Messages[1].ToolResults[0].IsError)
}

func TestUnknownToolProducesFailedResult(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "missing", `{}`),
		textResponse("done"),
	}}
	p, err := New(Config{Agent: newAgentConfig(llm, "missing")})
	require.NoError(t, err)

	final, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeOK, res.Outcome)
	toolMsg := final.Messages[1]
	require.Len(t, toolMsg.ToolResults, 1)
	assert.True(t, toolMsg.ToolResults[0].IsError)
}

func TestPropagateStateMergesDelta(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "remember", `{}`),
		textResponse("done"),
	}}
	handlers := ToolHandlers{
		"remember": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			return state.ToolResult{Content: "ok", ProcessedContent: &state.Delta{
				Metadata: map[string]any{"k": "v"},
			}}, nil
		},
	}
	p, err := New(Config{Agent: newAgentConfig(llm, "remember"), Tools: handlers})
	require.NoError(t, err)

	final, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, "v", final.Metadata["k"])
}

func TestCheckMaxRunsErrorsAfterBound(t *testing.T) {
	responses := make([]*model.Response, 0, 60)
	for i := 0; i < 60; i++ {
		responses = append(responses, toolCallResponse("c", "loop", `{}`))
	}
	llm := &scriptedModel{responses: responses}
	handlers := ToolHandlers{
		"loop": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			return state.ToolResult{Content: "again"}, nil
		},
	}
	cfg := newAgentConfig(llm, "loop")
	cfg.MaxRuns = 3
	p, err := New(Config{Agent: cfg, Tools: handlers})
	require.NoError(t, err)

	_, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrExceededMaxRuns)
}

func TestCheckPreToolHITLInterrupts(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "dangerous", `{"arg":1}`),
	}}
	hitl := middleware.HumanInTheLoop{}
	hooks, cfg, err := hitl.Init(map[string]any{"interrupt_on": []string{"dangerous"}})
	require.NoError(t, err)
	_ = hooks

	p, err := New(Config{
		Agent:      newAgentConfig(llm, "dangerous"),
		Middleware: []middleware.ResolvedEntry{{ID: "human_in_the_loop", Hooks: hooks, Config: cfg}},
	})
	require.NoError(t, err)

	final, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeInterrupt, res.Outcome)
	require.NotNil(t, res.Data)
	require.Len(t, res.Data.Current.ActionRequests, 1)
	assert.Equal(t, "dangerous", res.Data.Current.ActionRequests[0].ToolName)
	assert.True(t, final.IsInterrupted())
}

func TestResumeApproveReExecutesAndContinues(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "dangerous", `{"arg":1}`),
		textResponse("done"),
	}}
	hitl := middleware.HumanInTheLoop{}
	hooks, cfg, err := hitl.Init(map[string]any{"interrupt_on": []string{"dangerous"}})
	require.NoError(t, err)

	var executed bool
	handlers := ToolHandlers{
		"dangerous": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			executed = true
			return state.ToolResult{Content: "done"}, nil
		},
	}
	p, err := New(Config{
		Agent:      newAgentConfig(llm, "dangerous"),
		Tools:      handlers,
		Middleware: []middleware.ResolvedEntry{{ID: "human_in_the_loop", Hooks: hooks, Config: cfg}},
	})
	require.NoError(t, err)

	s, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeInterrupt, res.Outcome)
	require.False(t, executed)

	final, res2 := p.Resume(context.Background(), s, []ResumeDecision{{Decision: state.DecisionApprove}})
	require.Equal(t, OutcomeOK, res2.Outcome)
	assert.True(t, executed)
	assert.False(t, final.IsInterrupted())
}

func TestResumeRejectSkipsExecution(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "dangerous", `{}`),
		textResponse("done"),
	}}
	hitl := middleware.HumanInTheLoop{}
	hooks, cfg, err := hitl.Init(map[string]any{"interrupt_on": []string{"dangerous"}})
	require.NoError(t, err)

	var executed bool
	handlers := ToolHandlers{
		"dangerous": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			executed = true
			return state.ToolResult{Content: "done"}, nil
		},
	}
	p, err := New(Config{
		Agent:      newAgentConfig(llm, "dangerous"),
		Tools:      handlers,
		Middleware: []middleware.ResolvedEntry{{ID: "human_in_the_loop", Hooks: hooks, Config: cfg}},
	})
	require.NoError(t, err)

	s, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeInterrupt, res.Outcome)

	final, res2 := p.Resume(context.Background(), s, []ResumeDecision{{Decision: state.DecisionReject}})
	require.Equal(t, OutcomeOK, res2.Outcome)
	assert.False(t, executed)
	require.True(t, final.Messages[1].ToolResults[0].IsError)
}

func TestUntilToolMatchEndsRunWithExtra(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{
		toolCallResponse("call-1", "finish", `{}`),
	}}
	handlers := ToolHandlers{
		"finish": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			return state.ToolResult{Content: "final answer"}, nil
		},
	}
	cfg := newAgentConfig(llm, "finish")
	cfg.UntilTool = []string{"finish"}
	p, err := New(Config{Agent: cfg, Tools: handlers})
	require.NoError(t, err)

	_, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NotNil(t, res.Extra)
	match, ok := res.Extra.(*state.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "final answer", match.Content)
	assert.Equal(t, 1, llm.calls)
}

func TestUntilToolNeverCalledErrors(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("no tool call")}}
	cfg := newAgentConfig(llm)
	cfg.Tools = []*tools.ToolSpec{{Name: "finish"}}
	cfg.UntilTool = []string{"finish"}
	p, err := New(Config{Agent: cfg})
	require.NoError(t, err)

	_, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUntilToolNotCalled)
}

func TestNewRejectsUnknownUntilTool(t *testing.T) {
	llm := &scriptedModel{}
	cfg := newAgentConfig(llm)
	cfg.UntilTool = []string{"nope"}
	_, err := New(Config{Agent: cfg})
	assert.Error(t, err)
}

func TestCallLLMFallsBackOnError(t *testing.T) {
	primary := &scriptedModel{errs: []error{errors.New("primary down")}}
	fallback := &scriptedModel{responses: []*model.Response{textResponse("fallback reply")}}
	cfg := newAgentConfig(primary)
	cfg.FallbackModels = []model.Client{fallback}
	p, err := New(Config{Agent: cfg})
	require.NoError(t, err)

	final, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, final.Messages, 1)
}

func TestCheckPauseStopsBeforeToolExecution(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{toolCallResponse("c", "echo", `{}`)}}
	called := false
	handlers := ToolHandlers{
		"echo": func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
			called = true
			return state.ToolResult{Content: "x"}, nil
		},
	}
	p, err := New(Config{
		Agent:       newAgentConfig(llm, "echo"),
		Tools:       handlers,
		ShouldPause: func() bool { return true },
	})
	require.NoError(t, err)

	_, res := p.Run(context.Background(), state.NewState("a1"))
	require.Equal(t, OutcomePause, res.Outcome)
	assert.False(t, called)
}
