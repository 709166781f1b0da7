package hooks

import (
	"context"
	"encoding/json"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/stream"
)

// StreamSubscriber bridges the EventBus's main topic into client-facing
// stream.Event deliveries (§4.4's "transport adapters subscribe to the bus"
// requirement). It filters internal-only events (display persistence,
// todos, state restoration, node transfer) that stream.go's own package doc
// already calls out as out of scope for a client-facing wire format, and
// transforms the rest into the corresponding stream.Event per Profile.
//
// This architecture tracks one worker per agent rather than the teacher's
// multiple concurrent runs per agent, so hooks.Event carries only AgentID,
// not a separate run identifier. StreamSubscriber uses AgentID as both the
// RunID and SessionID stream.Base expects; a future multi-run-per-agent
// worker would need to plumb a real per-execution identifier through
// hooks.Event instead; that was out of scope for this EventBus.
type StreamSubscriber struct {
	sink    stream.Sink
	profile stream.StreamProfile
}

// NewStreamSubscriber builds a StreamSubscriber delivering to sink, filtered
// by profile.
func NewStreamSubscriber(sink stream.Sink, profile stream.StreamProfile) *StreamSubscriber {
	return &StreamSubscriber{sink: sink, profile: profile}
}

// HandleEvent implements Subscriber.
func (s *StreamSubscriber) HandleEvent(ctx context.Context, event Event) error {
	ev := s.translate(event)
	if ev == nil {
		return nil
	}
	return s.sink.Send(ctx, ev)
}

func (s *StreamSubscriber) translate(event Event) stream.Event {
	runID := event.AgentID
	switch event.Kind {
	case KindLLMMessage:
		if !s.profile.Assistant || event.LLMMessage == nil {
			return nil
		}
		text := messageText(*event.LLMMessage)
		return &stream.AssistantReply{
			Base: stream.NewBase(stream.EventAssistantReply, runID, runID, stream.AssistantReplyPayload{Text: text}),
			Data: stream.AssistantReplyPayload{Text: text},
		}
	case KindLLMTokenUsage:
		if !s.profile.Usage || event.TokenUsage == nil {
			return nil
		}
		payload := stream.UsagePayload{TokenUsage: *event.TokenUsage}
		return &stream.Usage{
			Base: stream.NewBase(stream.EventUsage, runID, runID, payload),
			Data: payload,
		}
	case KindToolCallIdentified:
		if !s.profile.ToolStart || event.ToolInfo == nil {
			return nil
		}
		payload := stream.ToolStartPayload{
			ToolCallID:  event.ToolInfo.CallID,
			ToolName:    event.ToolInfo.Name,
			Payload:     json.RawMessage(event.ToolInfo.Arguments),
			DisplayHint: event.ToolInfo.DisplayText,
		}
		return &stream.ToolStart{
			Base: stream.NewBase(stream.EventToolStart, runID, runID, payload),
			Data: payload,
		}
	case KindToolExecutionUpdate:
		return s.translateToolExecutionUpdate(event, runID)
	case KindStatusChanged:
		if !s.profile.Workflow || event.StatusChanged == nil {
			return nil
		}
		phase, ok := workflowPhase(event.StatusChanged.NewStatus)
		if !ok {
			return nil
		}
		payload := stream.WorkflowPayload{Phase: phase}
		return &stream.Workflow{
			Base: stream.NewBase(stream.EventWorkflow, runID, runID, payload),
			Data: payload,
		}
	case KindAgentShutdown:
		if !s.profile.Workflow {
			return nil
		}
		payload := stream.WorkflowPayload{Phase: "completed"}
		return &stream.Workflow{
			Base: stream.NewBase(stream.EventWorkflow, runID, runID, payload),
			Data: payload,
		}
	default:
		// KindLLMDeltas, KindDisplayMessageSaved/Batch, KindTodosUpdated,
		// KindStateRestored, KindNodeTransferring/Transferred: internal-only,
		// no client-facing stream.Event they map to.
		return nil
	}
}

func (s *StreamSubscriber) translateToolExecutionUpdate(event Event, runID string) stream.Event {
	if event.ToolInfo == nil {
		return nil
	}
	switch event.ToolPhase {
	case ToolExecutionCompleted, ToolExecutionFailed:
		if !s.profile.ToolEnd {
			return nil
		}
		payload := stream.ToolEndPayload{
			ToolCallID: event.ToolInfo.CallID,
			ToolName:   event.ToolInfo.Name,
		}
		if r := event.ToolInfo.Result; r != nil && r.Content != "" {
			if encoded, err := json.Marshal(r.Content); err == nil {
				payload.Result = encoded
			}
		}
		return &stream.ToolEnd{
			Base: stream.NewBase(stream.EventToolEnd, runID, runID, payload),
			Data: payload,
		}
	default: // ToolExecutionExecuting: ToolStart already covers the launch.
		return nil
	}
}

func workflowPhase(st state.Status) (string, bool) {
	switch st {
	case state.StatusIdle:
		return "completed", true
	case state.StatusError:
		return "failed", true
	case state.StatusCancelled:
		return "canceled", true
	default:
		return "", false
	}
}

func messageText(msg state.Message) string {
	var out string
	for _, part := range msg.Parts {
		if tp, ok := part.(model.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}
