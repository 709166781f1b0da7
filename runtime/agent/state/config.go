package state

import (
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

type (
	// MiddlewareEntry names one configured middleware instance within an
	// AgentConfig. Module is the middleware implementation; ID defaults to
	// the module's identity but may be overridden so multiple instances of
	// the same middleware module coexist in one stack (e.g., two independent
	// reminder middlewares with different schedules).
	MiddlewareEntry struct {
		// ID distinguishes this entry from other entries using the same
		// Module. Required when a stack configures more than one instance
		// of a module; defaults to Module's identity otherwise.
		ID string
		// Module is the middleware implementation. Concrete type is
		// runtime/agent/middleware.Middleware; declared as `any` here to
		// keep this package free of a dependency on middleware (which
		// itself depends on state).
		Module any
		// Config is the validated, immutable configuration produced by the
		// module's init hook. Created once during AgentConfig assembly and
		// never mutated (§3 Lifecycles).
		Config any
	}

	// BeforeFallbackFunc rewrites a model request before a fallback model is
	// tried, e.g. to trim context for a cheaper model.
	BeforeFallbackFunc func(req *model.Request) *model.Request

	// AgentConfig is immutable configuration, constructed once per worker
	// start and never mutated thereafter (§3 Lifecycles).
	AgentConfig struct {
		// AgentID is the stable identifier this config's worker will
		// register under.
		AgentID string
		// Name is a human-readable label for the agent.
		Name string
		// ChatModel is the capability reference used for call_llm.
		ChatModel model.Client
		// FallbackModels are tried in order after ChatModel errors.
		FallbackModels []model.Client
		// BaseSystemPrompt is the agent-authored prompt prefix.
		BaseSystemPrompt string
		// Tools lists the user-supplied tools available to the model, prior
		// to middleware-contributed tools being concatenated in (§4.5 Tool
		// assembly).
		Tools []*tools.ToolSpec
		// Middleware is the ordered middleware stack.
		Middleware []MiddlewareEntry
		// AssembledSystemPrompt is BaseSystemPrompt concatenated with each
		// middleware's prompt contribution in list order. Computed once at
		// AgentConfig construction (§4.5 System-prompt assembly).
		AssembledSystemPrompt string
		// Mode optionally names a non-default pipeline composition.
		Mode string
		// BeforeFallback optionally rewrites the request before a fallback
		// model is tried.
		BeforeFallback BeforeFallbackFunc
		// UntilTool configures the until_tool contract: the pipeline
		// terminates successfully only once the assistant calls one of
		// these tool names. Empty means the contract is inactive.
		UntilTool []string
		// MaxRuns bounds LLM calls per top-level run. Zero means use the
		// pipeline default (50).
		MaxRuns int
	}
)

// AssembleSystemPrompt implements §4.5's assembly rule:
// assembled = base || "\n\n" || join("\n\n", mw.system_prompt).
func AssembleSystemPrompt(base string, contributions []string) string {
	out := base
	for _, c := range contributions {
		if c == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += c
	}
	return out
}
