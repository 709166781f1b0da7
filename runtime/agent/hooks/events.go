package hooks

import (
	"time"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// EventKind is the closed set of payload kinds an Event may carry on the
// main per-agent topic (§4.4). The list is closed deliberately: new event
// kinds require a spec change, not ad-hoc subscriber-specific extensions.
type EventKind string

const (
	// KindStatusChanged fires on every worker Status transition.
	KindStatusChanged EventKind = "status_changed"
	// KindLLMDeltas carries a batch of streaming token deltas.
	KindLLMDeltas EventKind = "llm_deltas"
	// KindLLMMessage carries one complete assistant message.
	KindLLMMessage EventKind = "llm_message"
	// KindLLMTokenUsage carries per-call token accounting.
	KindLLMTokenUsage EventKind = "llm_token_usage"
	// KindToolCallIdentified fires once a tool call is parsed from the
	// model's stream, before it executes.
	KindToolCallIdentified EventKind = "tool_call_identified"
	// KindToolExecutionUpdate is the unified tool lifecycle event, see
	// ToolExecutionPhase for its sub-states.
	KindToolExecutionUpdate EventKind = "tool_execution_update"
	// KindDisplayMessageSaved fires once DisplayMessagePersistence.save_message
	// completes for a single item.
	KindDisplayMessageSaved EventKind = "display_message_saved"
	// KindDisplayMessagesBatchSaved is the batched form of
	// KindDisplayMessageSaved.
	KindDisplayMessagesBatchSaved EventKind = "display_messages_batch_saved"
	// KindTodosUpdated fires whenever State.Todos changes.
	KindTodosUpdated EventKind = "todos_updated"
	// KindStateRestored fires once after a worker resumes from persisted
	// State.
	KindStateRestored EventKind = "state_restored"
	// KindNodeTransferring fires in clustered mode when a worker begins
	// handing off to another node.
	KindNodeTransferring EventKind = "node_transferring"
	// KindNodeTransferred fires in clustered mode once a handoff completes.
	KindNodeTransferred EventKind = "node_transferred"
	// KindAgentShutdown is the terminal event for a worker's lifetime; see
	// ShutdownReason for the closed reason set.
	KindAgentShutdown EventKind = "agent_shutdown"
)

// ToolExecutionPhase discriminates the sub-states of KindToolExecutionUpdate.
type ToolExecutionPhase string

const (
	// ToolExecutionExecuting fires when a tool call begins running.
	ToolExecutionExecuting ToolExecutionPhase = "executing"
	// ToolExecutionCompleted fires when a tool call returns successfully.
	ToolExecutionCompleted ToolExecutionPhase = "completed"
	// ToolExecutionFailed fires when a tool call returns an error result.
	ToolExecutionFailed ToolExecutionPhase = "failed"
)

// ShutdownReason is the closed set of reasons an agent_shutdown event may
// carry (§4.4, §4.7).
type ShutdownReason string

const (
	// ShutdownInactivity fires when the worker's inactivity timeout elapses
	// with no activity command received.
	ShutdownInactivity ShutdownReason = "inactivity"
	// ShutdownNoViewers fires when presence tracking determines no
	// subscriber remains attached.
	ShutdownNoViewers ShutdownReason = "no_viewers"
	// ShutdownManual fires on an explicit stop_agent call.
	ShutdownManual ShutdownReason = "manual"
	// ShutdownCrash fires when the worker terminates due to an unrecoverable
	// internal error.
	ShutdownCrash ShutdownReason = "crash"
	// ShutdownNodeStop fires when the hosting node is shutting down in
	// clustered mode.
	ShutdownNodeStop ShutdownReason = "node_stop"
)

// ToolInfo is the payload carried by KindToolCallIdentified and
// KindToolExecutionUpdate.
type ToolInfo struct {
	CallID      string
	Name        string
	Arguments   []byte
	DisplayText string
	// Result is populated only for ToolExecutionCompleted/ToolExecutionFailed.
	Result *state.ToolResult
}

// NodeTransferInfo is the payload carried by KindNodeTransferring and
// KindNodeTransferred.
type NodeTransferInfo struct {
	FromNodeID string
	ToNodeID   string
	Reason     string
}

// Event is one envelope published to an agent's main topic. Exactly one of
// the typed payload fields is populated, matching Kind; the others are the
// zero value. This flattened-union shape (rather than an `any` payload with
// type switches) keeps Event trivially JSON-serializable for the clustered
// Pulse-streaming transport.
type Event struct {
	Kind      EventKind
	AgentID   string
	Timestamp time.Time

	StatusChanged  *StatusChangedPayload
	LLMDeltas      []model.Chunk
	LLMMessage     *state.Message
	TokenUsage     *model.TokenUsage
	ToolInfo       *ToolInfo
	ToolPhase      ToolExecutionPhase
	DisplayItem    *state.DisplayItem
	DisplayBatch   []state.DisplayItem
	Todos          []state.Todo
	RestoredState  *state.State
	NodeTransfer   *NodeTransferInfo
	ShutdownReason ShutdownReason
}

// StatusChangedPayload is the payload of KindStatusChanged.
type StatusChangedPayload struct {
	NewStatus state.Status
	Detail    string
}

// DebugEvent is one envelope published to an agent's debug topic (§4.4).
// Unlike the main topic's closed Kind list, debug payloads are free-form:
// full state snapshots and per-middleware action traces that would be
// wasteful to model as typed fields here.
type DebugEvent struct {
	AgentID   string
	Timestamp time.Time
	Label     string
	Payload   any
}
