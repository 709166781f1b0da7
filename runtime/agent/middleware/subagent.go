package middleware

import (
	"context"
	"fmt"

	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

// RemoteTaskHandler forwards a task tool invocation to a cross-process
// transport instead of an in-process worker.Worker
// (runtime/agent/subagent/nexus.Client.Handle is one implementation). Its
// shape matches pipeline.ToolHandlerFunc exactly, by structural identity
// rather than by import: this package sits below runtime/agent/pipeline in
// the dependency graph (pipeline already imports middleware), so it cannot
// name that type directly without a cycle.
type RemoteTaskHandler func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error)

// SubAgentSpec names one child agent specification the task tool can launch
// (§4.8). Launching itself is performed by the task tool implementation
// (runtime/agent/subagent), not by this middleware; SubAgent only declares
// which named specs exist and builds the child AgentConfig for each.
type SubAgentSpec struct {
	// Type is the name the task tool's "subagent_type" argument selects.
	Type string
	// Build derives a child AgentConfig from the parent's config. Called
	// once per task-tool invocation targeting this Type. Unused when
	// Remote is set.
	Build func(parent *state.AgentConfig) (*state.AgentConfig, error)
	// MiddlewareOpts supplies positional Init options for the child's own
	// AgentConfig.Middleware stack (runtime/agent/subagent passes this
	// straight through to worker.Config.MiddlewareOpts when launching).
	// Unused when Remote is set.
	MiddlewareOpts []map[string]any
	// Remote, when set, routes every task tool call targeting this Type to
	// a remote node or service instead of building a local AgentConfig and
	// starting an in-process worker.Worker — the §4.2 placement case where
	// a sub-agent type must run in a different service, not just a
	// different node in the same cluster. Build and MiddlewareOpts are
	// ignored for a spec with Remote set.
	Remote RemoteTaskHandler
}

// SubAgentConfig is the resolved config for the SubAgent middleware: a
// lookup table from sub-agent type name to its spec.
type SubAgentConfig struct {
	Specs map[string]*SubAgentSpec
}

// SubAgent is the built-in middleware declaring the named sub-agent
// specifications a worker's task tool may launch (§4.8). It contributes no
// hooks of its own beyond Tools — it exposes the "task" tool definition —
// because the actual launch/interrupt-lifting mechanism lives in
// runtime/agent/subagent, grounded on the teacher's child_tracker.go.
type SubAgent struct{}

// Name implements Module.
func (SubAgent) Name() string { return "sub_agent" }

// Init implements Module. opts["specs"] must be a []*SubAgentSpec.
func (SubAgent) Init(opts map[string]any) (Hooks, any, error) {
	specsList, _ := opts["specs"].([]*SubAgentSpec)
	cfg := &SubAgentConfig{Specs: make(map[string]*SubAgentSpec, len(specsList))}
	for _, s := range specsList {
		if s == nil || s.Type == "" {
			return Hooks{}, nil, fmt.Errorf("sub_agent: spec missing Type")
		}
		if s.Build == nil && s.Remote == nil {
			return Hooks{}, nil, fmt.Errorf("sub_agent: spec %q missing Build or Remote", s.Type)
		}
		if _, dup := cfg.Specs[s.Type]; dup {
			return Hooks{}, nil, fmt.Errorf("sub_agent: duplicate spec type %q", s.Type)
		}
		cfg.Specs[s.Type] = s
	}
	hooks := Hooks{
		Tools: func(any) []*tools.ToolSpec { return []*tools.ToolSpec{TaskToolSpec()} },
	}
	return hooks, cfg, nil
}

// TaskToolName is the fully qualified identifier of the built-in task tool
// that launches sub-agents (§4.8).
const TaskToolName = "runtime.subagent.task"

// TaskToolSpec returns the ToolSpec for the task tool. The pipeline
// recognizes this name and hands execution to runtime/agent/subagent
// instead of a user-registered tool handler.
func TaskToolSpec() *tools.ToolSpec {
	return &tools.ToolSpec{
		Name:        tools.Ident(TaskToolName),
		Service:     "runtime",
		Toolset:     "subagent",
		Description: "Launch a named sub-agent and await its result or interrupt.",
		IsAgentTool: true,
	}
}
