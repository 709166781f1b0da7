package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMergeChronologicalRightWins(t *testing.T) {
	s := NewState("agent-1")
	s.Merge(
		Delta{Metadata: map[string]any{"k": "first", "a": 1}},
		Delta{Metadata: map[string]any{"k": "second"}},
	)
	assert.Equal(t, "second", s.Metadata["k"])
	assert.Equal(t, 1, s.Metadata["a"])
}

func TestStateMergeAppendsMessagesInOrder(t *testing.T) {
	s := NewState("agent-1")
	s.Merge(
		Delta{Messages: []Message{{Role: RoleTool}}},
		Delta{Messages: []Message{{Role: RoleAssistant}}},
	)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleTool, s.Messages[0].Role)
	assert.Equal(t, RoleAssistant, s.Messages[1].Role)
}

func TestNewestToolRunOnlyTrailingToolMessages(t *testing.T) {
	s := NewState("agent-1")
	s.Messages = []Message{
		{Role: RoleUser},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{CallID: "1"}}},
		{Role: RoleTool, ToolResults: []ToolResult{{CallID: "1"}}},
	}
	run := s.NewestToolRun()
	require.Len(t, run, 1)
	assert.Equal(t, RoleTool, run[0].Role)

	s.Messages = append(s.Messages, Message{Role: RoleAssistant})
	assert.Nil(t, s.NewestToolRun())
}

func TestSignalsFromToolRunSetsCallID(t *testing.T) {
	sig := &InterruptSignal{Kind: InterruptKindSubAgentHITL, SubAgentID: "sub-1"}
	run := []Message{
		{Role: RoleTool, ToolResults: []ToolResult{
			{CallID: "call-1", ProcessedContent: sig},
			{CallID: "call-2"},
		}},
	}
	signals := SignalsFromToolRun(run)
	require.Len(t, signals, 1)
	assert.Equal(t, "call-1", signals[0].ToolCallID)
	assert.Equal(t, "sub-1", signals[0].SubAgentID)
}

func TestDeltasFromToolRunIgnoresSignals(t *testing.T) {
	delta := &Delta{Metadata: map[string]any{"x": 1}}
	run := []Message{
		{Role: RoleTool, ToolResults: []ToolResult{
			{CallID: "1", ProcessedContent: delta},
			{CallID: "2", ProcessedContent: &InterruptSignal{}},
		}},
	}
	deltas := DeltasFromToolRun(run)
	require.Len(t, deltas, 1)
	assert.Equal(t, 1, deltas[0].Metadata["x"])
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState("agent-1")
	s.Metadata["k"] = "v"
	s.InterruptData = &InterruptData{Current: &CurrentInterrupt{ActionRequests: []*ActionRequest{{ToolCallID: "1"}}}}

	clone := s.Clone()
	clone.Metadata["k"] = "changed"
	clone.InterruptData.Current.ActionRequests[0].ToolCallID = "2"

	assert.Equal(t, "v", s.Metadata["k"])
	assert.Equal(t, "1", s.InterruptData.Current.ActionRequests[0].ToolCallID)
}
