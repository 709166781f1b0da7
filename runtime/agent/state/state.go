// Package state defines the mutable runtime data model owned by an
// AgentWorker: State, the Message tagged union, DisplayMessage projections,
// InterruptSignal, and the worker Status enum.
//
// This generalizes the Anthropic-shaped, Part-embedded model.Message used by
// planners into the explicit role-tagged union a middleware pipeline needs:
// an assistant message carries ToolCall values directly, and tool results are
// carried by a dedicated tool-role message rather than folded into message
// parts. Rich content (text, thinking, citations) still flows through
// model.Part so provider adapters are reused unchanged.
package state

import (
	"encoding/json"
	"time"

	"github.com/sagents-ai/sagents/runtime/agent/model"
)

// Role identifies the speaker of a Message in conversation history.
type Role string

const (
	// RoleUser is a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the chat model.
	RoleAssistant Role = "assistant"
	// RoleSystem is a system-authored message (rare; most system content
	// flows through AgentConfig.AssembledSystemPrompt instead).
	RoleSystem Role = "system"
	// RoleTool carries the results of one or more tool calls back to the model.
	RoleTool Role = "tool"
)

// Status is the AgentWorker lifecycle state. Only the owning worker may
// mutate it; see runtime/agent/worker.
type Status string

const (
	// StatusIdle means the worker holds no pipeline task and is ready for
	// the next command.
	StatusIdle Status = "idle"
	// StatusRunning means a pipeline task is actively driving LLM turns.
	StatusRunning Status = "running"
	// StatusInterrupted means the pipeline stopped at a pending decision
	// (HITL or sub-agent interrupt) and State.InterruptData is populated.
	StatusInterrupted Status = "interrupted"
	// StatusCancelled is the transient state between a cancel() command and
	// the worker settling back to Idle.
	StatusCancelled Status = "cancelled"
	// StatusError means the last pipeline run ended in an unrecoverable
	// error; the worker itself remains alive and responsive.
	StatusError Status = "error"
)

// Decision resolves one pending ActionRequest during resume.
type Decision string

const (
	// DecisionApprove re-executes the original tool call unchanged.
	DecisionApprove Decision = "approve"
	// DecisionEdit re-executes with replacement arguments (and optionally a
	// replacement tool name), subject to the policy's AllowedDecisions.
	DecisionEdit Decision = "edit"
	// DecisionReject synthesizes a rejection tool result without executing
	// the tool.
	DecisionReject Decision = "reject"
)

type (
	// ToolCall is one tool invocation requested by the assistant within a
	// single message.
	ToolCall struct {
		// CallID uniquely identifies this invocation within the run and
		// correlates it to its eventual ToolResult.
		CallID string
		// Name is the tool identifier requested by the model.
		Name string
		// Arguments is the canonical JSON arguments object supplied by the
		// model.
		Arguments json.RawMessage
		// DisplayText is optional human-readable text the model emitted
		// alongside the call, surfaced in DisplayMessage projections.
		DisplayText string
	}

	// ToolResult is the outcome of one tool invocation, packaged back into a
	// tool-role Message.
	ToolResult struct {
		// CallID correlates this result to the ToolCall that produced it.
		CallID string
		// Name is the tool identifier that was invoked.
		Name string
		// Content is the opaque text sent back to the LLM.
		Content string
		// ProcessedContent is a typed payload distinct from Content: a State
		// delta, an InterruptSignal, or nil. Never sent to the model.
		ProcessedContent any
		// IsError reports whether Content represents a tool failure.
		IsError bool
	}

	// Message is one entry in State.Messages: a tagged union over
	// {user, assistant, system, tool}.
	Message struct {
		// Role selects which of the role-specific fields below are populated.
		Role Role
		// Parts carries rich content (text, thinking, images, documents,
		// citations) for user/assistant/system messages.
		Parts []model.Part
		// ToolCalls is populated only on assistant messages that requested
		// tool invocations.
		ToolCalls []ToolCall
		// ToolResults is populated only on tool-role messages.
		ToolResults []ToolResult
		// CreatedAt records when the message was appended to State.Messages.
		CreatedAt time.Time
	}

	// Todo is one ordered item in State.Todos.
	Todo struct {
		ID        string
		Text      string
		Done      bool
		UpdatedAt time.Time
	}

	// ActionRequest describes one tool call awaiting a human decision during
	// a HITL interrupt.
	ActionRequest struct {
		// ToolCallID correlates this request to the originating ToolCall.
		ToolCallID string
		// ToolName is the tool the assistant requested.
		ToolName string
		// Arguments are the original call arguments, available for display
		// and as the basis for an "edit" decision.
		Arguments json.RawMessage
		// AllowedDecisions restricts which Decision values resume() accepts
		// for this request, per the HITL policy that raised it.
		AllowedDecisions []Decision
	}

	// InterruptKind discriminates the source of an interrupt.
	InterruptKind string

	// InterruptSignal is a typed payload embedded in a ToolResult's
	// ProcessedContent field to lift a sub-agent's interrupt through the
	// pipeline without exceptions (§4.8).
	InterruptSignal struct {
		// Kind is always InterruptKindSubAgentHITL for signals produced by
		// the task tool.
		Kind InterruptKind
		// SubAgentID identifies the child worker that interrupted.
		SubAgentID string
		// SubAgentType is the named sub-agent specification the child was
		// launched from.
		SubAgentType string
		// InterruptData is the child's own InterruptData, carried upward
		// unchanged so the parent's resume() can eventually re-invoke the
		// child with matching decisions.
		InterruptData *InterruptData
		// ToolCallID is set from the corresponding ToolResult once the
		// signal is scanned by check_post_tool_interrupt.
		ToolCallID string
	}

	// InterruptData is populated on State whenever Status == StatusInterrupted.
	InterruptData struct {
		// Current is the interrupt the pipeline is actively surfacing.
		Current *CurrentInterrupt
		// PendingInterrupts is a FIFO of sibling interrupts raised in the
		// same LLM turn (§4.6 check_post_tool_interrupt, §4.8 parallel
		// sub-agent interrupts) still awaiting resume().
		PendingInterrupts []*CurrentInterrupt
	}

	// CurrentInterrupt is one resumable interrupt: either a HITL action
	// request set, or a lifted sub-agent InterruptSignal.
	CurrentInterrupt struct {
		// ActionRequests is non-empty for a pre-tool HITL interrupt
		// (check_pre_tool_hitl); each entry resolves independently via
		// resume's positional decisions list.
		ActionRequests []*ActionRequest
		// SubAgent is non-nil for a post-tool interrupt lifted from a child
		// worker (check_post_tool_interrupt).
		SubAgent *InterruptSignal
	}

	// State is the mutable runtime data owned by exactly one AgentWorker.
	// It must be deep-copyable and JSON-serializable modulo Metadata values.
	State struct {
		// AgentID matches the worker's registered Registry key.
		AgentID string
		// Messages is the append-mostly conversation history.
		Messages []Message
		// Todos is an ordered task list, typically maintained by a todo-list
		// tool or middleware.
		Todos []Todo
		// Metadata is a string-keyed, JSON-serializable map that survives
		// persistence. Live handles, references, or closures must never be
		// stored here; use Context (runtime/agent/agentcontext) instead.
		Metadata map[string]any
		// InterruptData is non-nil only while Status == StatusInterrupted.
		InterruptData *InterruptData
	}

	// DisplayItem is one atomic UI-rendering unit projected from a Message.
	DisplayItem struct {
		// Kind classifies the item for rendering.
		Kind DisplayItemKind
		// Sequence is stable within the parent message, starting at 0.
		Sequence int
		// Text carries the rendered content for Kind == text/thinking.
		Text string
		// ToolCall carries the call for Kind == tool_call.
		ToolCall *ToolCall
		// ToolResult carries the result for Kind == tool_result.
		ToolResult *ToolResult
	}

	// DisplayItemKind classifies a DisplayItem.
	DisplayItemKind string

	// DisplayMessage is the UI-oriented, append-only projection of one
	// Message. It may outlive the serialized State: middleware such as
	// summarization may compact Messages without ever touching display
	// history.
	DisplayMessage struct {
		// Role mirrors the source Message's Role.
		Role Role
		// Items are the ordered display items expanded from the source
		// Message, each carrying its own stable Sequence.
		Items []DisplayItem
		// CreatedAt mirrors the source Message's CreatedAt.
		CreatedAt time.Time
	}
)

const (
	// InterruptKindSubAgentHITL marks an InterruptSignal produced by the
	// task tool lifting a child worker's HITL interrupt.
	InterruptKindSubAgentHITL InterruptKind = "subagent_hitl"
)

const (
	// DisplayItemKindText is rendered plain text content.
	DisplayItemKindText DisplayItemKind = "text"
	// DisplayItemKindThinking is rendered reasoning content.
	DisplayItemKindThinking DisplayItemKind = "thinking"
	// DisplayItemKindToolCall is a rendered tool invocation.
	DisplayItemKindToolCall DisplayItemKind = "tool_call"
	// DisplayItemKindToolResult is a rendered tool outcome.
	DisplayItemKindToolResult DisplayItemKind = "tool_result"
)

// NewState constructs an empty State for the given agent id.
func NewState(agentID string) *State {
	return &State{
		AgentID:  agentID,
		Metadata: map[string]any{},
	}
}

// IsInterrupted reports whether s carries a current interrupt.
func (s *State) IsInterrupted() bool {
	return s != nil && s.InterruptData != nil && s.InterruptData.Current != nil
}

// Clone returns a deep copy of s. Metadata values are copied by reference
// (they are required to be JSON-serializable plain values, never live
// handles, so reference copies are safe for the runtime's purposes).
// Messages and Todos are copied element by element; the slices inside each
// Message (Parts, ToolCalls, ToolResults) and a CurrentInterrupt's SubAgent
// signal are shared with s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		AgentID:  s.AgentID,
		Messages: make([]Message, len(s.Messages)),
		Todos:    make([]Todo, len(s.Todos)),
		Metadata: make(map[string]any, len(s.Metadata)),
	}
	copy(out.Messages, s.Messages)
	copy(out.Todos, s.Todos)
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	out.InterruptData = s.InterruptData.clone()
	return out
}

func (d *InterruptData) clone() *InterruptData {
	if d == nil {
		return nil
	}
	out := &InterruptData{Current: d.Current.clone()}
	if len(d.PendingInterrupts) > 0 {
		out.PendingInterrupts = make([]*CurrentInterrupt, len(d.PendingInterrupts))
		for i, p := range d.PendingInterrupts {
			out.PendingInterrupts[i] = p.clone()
		}
	}
	return out
}

func (c *CurrentInterrupt) clone() *CurrentInterrupt {
	if c == nil {
		return nil
	}
	out := &CurrentInterrupt{SubAgent: c.SubAgent}
	if len(c.ActionRequests) > 0 {
		out.ActionRequests = make([]*ActionRequest, len(c.ActionRequests))
		for i, r := range c.ActionRequests {
			if r != nil {
				cp := *r
				out.ActionRequests[i] = &cp
			}
		}
	}
	return out
}

// AppendMessage appends msg to s.Messages. This is the only sanctioned way
// to grow conversation history outside of a documented before_model/
// after_model middleware rewrite (§3 invariant i).
func (s *State) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// LastAssistantToolCalls returns the ToolCalls of the most recent assistant
// message, or nil if the last message is not an assistant message or
// carries no tool calls.
func (s *State) LastAssistantToolCalls() []ToolCall {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// NewestToolRun returns the suffix of s.Messages consisting of tool-role
// messages appended since the last assistant-with-tool-calls message. This
// is the "newest run" that propagate_state and check_post_tool_interrupt
// scan (§4.6).
func (s *State) NewestToolRun() []Message {
	if s == nil {
		return nil
	}
	end := len(s.Messages)
	start := end
	for i := end - 1; i >= 0; i-- {
		if s.Messages[i].Role != RoleTool {
			break
		}
		start = i
	}
	if start == end {
		return nil
	}
	return s.Messages[start:end]
}
