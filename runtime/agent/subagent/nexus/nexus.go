// Package nexus exposes the task tool (runtime/agent/subagent) as a Nexus
// operation, and provides a client that dispatches to one, so a sub-agent
// can run in a different service instead of the same process's worker pool.
//
// Grounded on runtime/agent/subagent.Config/handler for the request/result
// shape (taskArgs, resumeInfoArgs, state.ToolResult) and on
// github.com/nexus-rpc/sdk-go, which this tree's go.mod carries as a teacher
// dependency the teacher itself never wired to anything domain-specific;
// this package is its one concrete use, but the exact API calls below are
// grounded in general knowledge of the SDK's public surface rather than a
// retrieved pack source file, since no example repo imports it. See
// DESIGN.md for the caveat this implies.
package nexus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nexus-rpc/sdk-go/nexus"

	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

const (
	// ServiceName identifies the Nexus service a remote node registers the
	// task operation under.
	ServiceName = "sagents.subagent"
	// OperationName identifies the single operation this package exposes:
	// launch-or-resume a sub-agent and return its terminal tool result.
	OperationName = "task"
)

type (
	// TaskInput is the Nexus wire request: a JSON-encoded task tool call,
	// carried as-is from the task tool's arguments so a remote node can feed
	// it straight into a local subagent.Config handler.
	TaskInput struct {
		Arguments json.RawMessage `json:"arguments"`
	}

	// TaskOutput is the Nexus wire response: the tool result a local
	// subagent handler produced, translated back across the process
	// boundary.
	TaskOutput struct {
		Content          string          `json:"content"`
		IsError          bool            `json:"is_error"`
		ProcessedContent json.RawMessage `json:"processed_content,omitempty"`
	}

	// taskReference is the typed handle both the server-side operation and
	// the client's ExecuteOperation call bind to; declaring it once in the
	// shared package keeps the service name, operation name, and input/
	// output types from drifting apart.
	taskReference = nexus.OperationReference[TaskInput, TaskOutput]
)

// Operation identifies the task operation for both Register (server side)
// and ExecuteOperation (client side).
var Operation taskReference = nexus.NewOperationReference[TaskInput, TaskOutput](OperationName)

// NewHandler builds an http.Handler that exposes handle as a synchronous
// Nexus operation. Mount it alongside (or instead of) a local task tool
// handler so another service's task tool can dispatch here via Client.
func NewHandler(handle pipeline.ToolHandlerFunc) (http.Handler, error) {
	op := nexus.NewSyncOperation(OperationName, func(ctx context.Context, in TaskInput, _ nexus.StartOperationOptions) (TaskOutput, error) {
		return runLocal(ctx, handle, in)
	})
	svc := nexus.NewService(ServiceName)
	if err := svc.Register(op); err != nil {
		return nil, fmt.Errorf("nexus: register %s/%s: %w", ServiceName, OperationName, err)
	}
	reg := nexus.NewServiceRegistry()
	if err := reg.Register(svc); err != nil {
		return nil, fmt.Errorf("nexus: register service %s: %w", ServiceName, err)
	}
	handler, err := nexus.NewHTTPHandler(nexus.HandlerOptions{Registry: reg})
	if err != nil {
		return nil, fmt.Errorf("nexus: build http handler: %w", err)
	}
	return handler, nil
}

func runLocal(ctx context.Context, handle pipeline.ToolHandlerFunc, in TaskInput) (TaskOutput, error) {
	call := state.ToolCall{CallID: "nexus-" + OperationName, Name: "task", Arguments: in.Arguments}
	result, err := handle(ctx, call, nil)
	if err != nil {
		return TaskOutput{}, err
	}
	out := TaskOutput{Content: result.Content, IsError: result.IsError}
	if result.ProcessedContent != nil {
		data, err := json.Marshal(result.ProcessedContent)
		if err != nil {
			return TaskOutput{}, fmt.Errorf("nexus: marshal processed content: %w", err)
		}
		out.ProcessedContent = data
	}
	return out, nil
}

// Client dispatches task tool calls to a remote node's NewHandler over
// Nexus, for use as a pipeline.ToolHandlerFunc when a SubAgentSpec names a
// remote service instead of (or in addition to) a local launch.
type Client struct {
	http *nexus.HTTPClient
}

// NewClient builds a Client targeting baseURL, the address a remote node's
// NewHandler is mounted at.
func NewClient(baseURL string) (*Client, error) {
	c, err := nexus.NewHTTPClient(nexus.HTTPClientOptions{
		BaseURL: baseURL,
		Service: ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("nexus: build client for %s: %w", baseURL, err)
	}
	return &Client{http: c}, nil
}

// Handle implements pipeline.ToolHandlerFunc, forwarding the task tool call
// to the remote node and translating its TaskOutput back into a
// state.ToolResult.
func (c *Client) Handle(ctx context.Context, call state.ToolCall, _ *state.State) (state.ToolResult, error) {
	out, err := nexus.ExecuteOperation(ctx, c.http, Operation, TaskInput{Arguments: call.Arguments}, nexus.ExecuteOperationOptions{})
	if err != nil {
		return state.ToolResult{}, fmt.Errorf("nexus: execute %s/%s: %w", ServiceName, OperationName, err)
	}
	result := state.ToolResult{CallID: call.CallID, Name: call.Name, Content: out.Content, IsError: out.IsError}
	if len(out.ProcessedContent) > 0 {
		var signal state.InterruptSignal
		if err := json.Unmarshal(out.ProcessedContent, &signal); err != nil {
			return state.ToolResult{}, fmt.Errorf("nexus: decode processed content: %w", err)
		}
		result.ProcessedContent = &signal
	}
	return result, nil
}
