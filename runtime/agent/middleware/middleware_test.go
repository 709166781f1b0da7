package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/runtime/agent/reminder"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

type fakeModule struct {
	name  string
	hooks Hooks
}

func (f fakeModule) Name() string { return f.name }
func (f fakeModule) Init(map[string]any) (Hooks, any, error) {
	return f.hooks, nil, nil
}

func TestResolveDefaultsIDAndRejectsDuplicates(t *testing.T) {
	entries := []state.MiddlewareEntry{
		{Module: fakeModule{name: "a"}},
		{Module: fakeModule{name: "a"}},
	}
	_, err := Resolve(entries, nil)
	require.Error(t, err)
}

func TestAssembleSystemPromptOrder(t *testing.T) {
	entries := []ResolvedEntry{
		{Hooks: Hooks{SystemPrompt: func(any) []string { return []string{"first"} }}},
		{Hooks: Hooks{SystemPrompt: func(any) []string { return []string{"second"} }}},
	}
	got := AssembleSystemPrompt("base", entries)
	assert.Equal(t, "base\n\nfirst\n\nsecond", got)
}

func TestAssembleToolsRejectsDuplicateNames(t *testing.T) {
	userTools := []*tools.ToolSpec{{Name: "t1"}}
	entries := []ResolvedEntry{
		{Hooks: Hooks{Tools: func(any) []*tools.ToolSpec { return []*tools.ToolSpec{{Name: "t1"}} }}},
	}
	_, err := AssembleTools(userTools, entries)
	require.Error(t, err)
}

func TestRunBeforeModelShortCircuitsOnError(t *testing.T) {
	calledSecond := false
	entries := []ResolvedEntry{
		{Hooks: Hooks{BeforeModel: func(context.Context, *state.State, any) (*state.State, error) {
			return nil, assert.AnError
		}}},
		{Hooks: Hooks{BeforeModel: func(context.Context, *state.State, any) (*state.State, error) {
			calledSecond = true
			return nil, nil
		}}},
	}
	_, err := RunBeforeModel(context.Background(), state.NewState("a"), entries)
	require.Error(t, err)
	assert.False(t, calledSecond)
}

func TestRunAfterModelReverseOrder(t *testing.T) {
	var order []int
	entries := []ResolvedEntry{
		{Hooks: Hooks{AfterModel: func(context.Context, *state.State, any) AfterModelResult {
			order = append(order, 0)
			return AfterModelResult{Outcome: AfterModelOutcomeOK}
		}}},
		{Hooks: Hooks{AfterModel: func(context.Context, *state.State, any) AfterModelResult {
			order = append(order, 1)
			return AfterModelResult{Outcome: AfterModelOutcomeOK}
		}}},
	}
	RunAfterModel(context.Background(), state.NewState("a"), entries)
	assert.Equal(t, []int{1, 0}, order)
}

func TestHumanInTheLoopMatchesConfiguredTool(t *testing.T) {
	hitl := HumanInTheLoop{}
	_, cfg, err := hitl.Init(map[string]any{
		"interrupt_on": map[string][]state.Decision{"write_file": nil},
	})
	require.NoError(t, err)

	s := state.NewState("a")
	s.Messages = []state.Message{
		{Role: state.RoleAssistant, ToolCalls: []state.ToolCall{{CallID: "1", Name: "write_file"}}},
	}
	data := CheckPreToolHITL(context.Background(), s, cfg.(*HumanInTheLoopConfig))
	require.NotNil(t, data)
	require.Len(t, data.Current.ActionRequests, 1)
	assert.Equal(t, "write_file", data.Current.ActionRequests[0].ToolName)
	assert.ElementsMatch(t, []state.Decision{state.DecisionApprove, state.DecisionEdit, state.DecisionReject}, data.Current.ActionRequests[0].AllowedDecisions)
}

func TestReminderBeforeModelInjectsSnapshot(t *testing.T) {
	eng := reminder.NewEngine()
	eng.AddReminder("agent-1", reminder.Reminder{ID: "r1", Text: "be careful"})

	r := Reminder{}
	hooks, cfg, err := r.Init(map[string]any{"engine": eng, "agent_id": "agent-1"})
	require.NoError(t, err)

	s := state.NewState("agent-1")
	out, err := hooks.BeforeModel(context.Background(), s, cfg)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, state.RoleSystem, out.Messages[0].Role)
}
