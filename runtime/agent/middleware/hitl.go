package middleware

import (
	"context"
	"fmt"

	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// HumanInTheLoopConfig declares the runtime-enforced approval policy for
// specific tools (§4.6 check_pre_tool_hitl). This generalizes the teacher's
// narrower ToolConfirmationConfig (a map of tool id to a single
// prompt/denied-result handler pair) into the spec's full policy: each tool
// name gets a set of AllowedDecisions, not just approve/deny.
type HumanInTheLoopConfig struct {
	// InterruptOn maps tool names to the set of decisions resume() will
	// accept for a pending call to that tool. A tool name present with a nil
	// or empty slice defaults to {approve, edit, reject}.
	InterruptOn map[string][]state.Decision
}

// HumanInTheLoop is the built-in middleware implementing §4.6's
// check_pre_tool_hitl step: any assistant tool call matching InterruptOn
// causes the pipeline to interrupt instead of executing tools.
type HumanInTheLoop struct{}

// Name implements Module.
func (HumanInTheLoop) Name() string { return "human_in_the_loop" }

// Init implements Module. opts["interrupt_on"] must be a
// map[string][]state.Decision or a []string of tool names (each allowing
// all three decisions); any other type, including map[string]any, is
// rejected. An empty/missing value means the middleware is configured but
// never interrupts.
func (HumanInTheLoop) Init(opts map[string]any) (Hooks, any, error) {
	cfg := &HumanInTheLoopConfig{InterruptOn: map[string][]state.Decision{}}
	if raw, ok := opts["interrupt_on"]; ok {
		switch v := raw.(type) {
		case map[string][]state.Decision:
			cfg.InterruptOn = v
		case []string:
			for _, name := range v {
				cfg.InterruptOn[name] = nil
			}
		default:
			return Hooks{}, nil, fmt.Errorf("human_in_the_loop: unsupported interrupt_on value %T", raw)
		}
	}
	return Hooks{}, cfg, nil
}

// Matches reports whether toolName requires a HITL interrupt under cfg, and
// the allowed decisions for it (defaulting to all three when unspecified).
func (cfg *HumanInTheLoopConfig) Matches(toolName string) ([]state.Decision, bool) {
	allowed, ok := cfg.InterruptOn[toolName]
	if !ok {
		return nil, false
	}
	if len(allowed) == 0 {
		allowed = []state.Decision{state.DecisionApprove, state.DecisionEdit, state.DecisionReject}
	}
	return allowed, true
}

// CheckPreToolHITL implements §4.6 check_pre_tool_hitl: if the most recent
// assistant message has tool calls and any of them match cfg.InterruptOn,
// it returns the InterruptData to surface; otherwise it returns nil.
func CheckPreToolHITL(_ context.Context, s *state.State, cfg *HumanInTheLoopConfig) *state.InterruptData {
	if cfg == nil {
		return nil
	}
	calls := s.LastAssistantToolCalls()
	if len(calls) == 0 {
		return nil
	}
	var requests []*state.ActionRequest
	for _, c := range calls {
		allowed, matches := cfg.Matches(c.Name)
		if !matches {
			continue
		}
		requests = append(requests, &state.ActionRequest{
			ToolCallID:       c.CallID,
			ToolName:         c.Name,
			Arguments:        c.Arguments,
			AllowedDecisions: allowed,
		})
	}
	if len(requests) == 0 {
		return nil
	}
	return &state.InterruptData{
		Current: &state.CurrentInterrupt{ActionRequests: requests},
	}
}
