// Package middleware implements the spec's plug-in composition model
// (§4.5): a flat, ordered stack of optional hooks that contribute prompts,
// tools, callbacks, and pipeline rewrites. Per the design notes (§9),
// middleware is represented as a table of function values built once at
// config-assembly time rather than via interface inheritance, so the
// pipeline can iterate a flat list with exactly one indirection and no
// dynamic dispatch.
package middleware

import (
	"context"

	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

type (
	// CallbackFunc observes LLM-call lifecycle events for a middleware's own
	// telemetry purposes (§4.5 callbacks hook).
	CallbackFunc func(ctx context.Context, event string, payload any)

	// AfterModelOutcome classifies the result of an AfterModel hook.
	AfterModelOutcome string

	// AfterModelResult is the tagged result of the after_model hook: either
	// a rewritten state, an interrupt, or an error. Exactly one of the
	// fields matching Outcome is meaningful.
	AfterModelResult struct {
		Outcome AfterModelOutcome
		State   *state.State
		Data    *state.InterruptData
		Err     error
	}

	// Hooks is the table of optional function values one middleware
	// contributes. Every field may be nil; a nil field is a documented
	// pass-through default, never a call to an empty function.
	Hooks struct {
		// SystemPrompt returns this middleware's contribution to the
		// assembled system prompt, or nil for none.
		SystemPrompt func(config any) []string
		// Tools returns tools this middleware exposes to the model.
		Tools func(config any) []*tools.ToolSpec
		// Callbacks returns named LLM-event observers.
		Callbacks func(config any) map[string]CallbackFunc
		// BeforeModel runs in list order before call_llm; the first error
		// short-circuits the pipeline (§4.5 Ordering).
		BeforeModel func(ctx context.Context, s *state.State, config any) (*state.State, error)
		// AfterModel runs in reverse list order after call_llm (sandwich).
		// An Outcome of AfterModelOutcomeInterrupt transitions the worker to
		// Interrupted.
		AfterModel func(ctx context.Context, s *state.State, config any) AfterModelResult
		// HandleMessage receives a message sent by this middleware's own
		// background task via worker.SendMiddlewareMessage.
		HandleMessage func(ctx context.Context, msg any, s *state.State, config any) (*state.State, error)
		// OnServerStart runs once when the owning worker starts.
		OnServerStart func(ctx context.Context, s *state.State, config any) (*state.State, error)
		// OnForkContext injects values into a child context snapshot ahead
		// of a sub-agent fork (§4.3 Forking contract).
		OnForkContext func(ctx map[string]any, config any) map[string]any
	}

	// Module is a middleware implementation: a named constructor that
	// validates options once and returns the resolved Hooks table plus an
	// immutable, opaque config value threaded through every hook call.
	Module interface {
		// Name identifies the module; used as a MiddlewareEntry's default ID
		// when the entry does not override it.
		Name() string
		// Init validates opts and returns the hook table and config for this
		// instance. Called once during AgentConfig assembly (§3 Lifecycles).
		// A non-nil error aborts startup naming this middleware (§7
		// Middleware init).
		Init(opts map[string]any) (Hooks, any, error)
	}

	// ResolvedEntry is one fully-initialized middleware instance: its
	// caller-assigned id, resolved hook table, and validated config.
	ResolvedEntry struct {
		ID     string
		Hooks  Hooks
		Config any
	}
)

const (
	// AfterModelOutcomeOK means the hook ran to completion and returned a
	// (possibly unchanged) rewritten state.
	AfterModelOutcomeOK AfterModelOutcome = "ok"
	// AfterModelOutcomeInterrupt means the hook wants the worker to pause;
	// Data carries the interrupt payload to surface.
	AfterModelOutcomeInterrupt AfterModelOutcome = "interrupt"
	// AfterModelOutcomeError means the hook failed; Err carries the reason.
	AfterModelOutcomeError AfterModelOutcome = "error"
)

// Resolve builds the ordered ResolvedEntry stack from raw MiddlewareEntry
// configuration, calling each Module's Init exactly once, in list order.
// IDs default to the module's Name() when the entry does not override one;
// duplicate effective IDs are rejected so send_middleware_message routing
// stays unambiguous (§4.5 Async middleware messaging).
func Resolve(entries []state.MiddlewareEntry, opts []map[string]any) ([]ResolvedEntry, error) {
	out := make([]ResolvedEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		mod, ok := e.Module.(Module)
		if !ok {
			return nil, &ConfigError{Reason: "middleware entry Module does not implement middleware.Module"}
		}
		id := e.ID
		if id == "" {
			id = mod.Name()
		}
		if seen[id] {
			return nil, &ConfigError{Reason: "duplicate middleware id: " + id}
		}
		seen[id] = true

		var o map[string]any
		if i < len(opts) {
			o = opts[i]
		}
		hooks, cfg, err := mod.Init(o)
		if err != nil {
			return nil, &InitError{Module: id, Cause: err}
		}
		out = append(out, ResolvedEntry{ID: id, Hooks: hooks, Config: cfg})
	}
	return out, nil
}

// AssembleSystemPrompt implements §4.5: collects every resolved entry's
// SystemPrompt contribution, in list order, flattening multi-string
// contributions, and joins them under basePrompt via
// state.AssembleSystemPrompt.
func AssembleSystemPrompt(basePrompt string, entries []ResolvedEntry) string {
	var contributions []string
	for _, e := range entries {
		if e.Hooks.SystemPrompt == nil {
			continue
		}
		contributions = append(contributions, e.Hooks.SystemPrompt(e.Config)...)
	}
	return state.AssembleSystemPrompt(basePrompt, contributions)
}

// AssembleTools implements §4.5 Tool assembly: user-supplied tools are
// concatenated with all middleware-contributed tools in middleware order.
// Duplicate names are a configuration error.
func AssembleTools(userTools []*tools.ToolSpec, entries []ResolvedEntry) ([]*tools.ToolSpec, error) {
	seen := make(map[string]bool, len(userTools))
	out := make([]*tools.ToolSpec, 0, len(userTools))
	for _, t := range userTools {
		name := string(t.Name)
		if seen[name] {
			return nil, &ConfigError{Reason: "duplicate tool name: " + name}
		}
		seen[name] = true
		out = append(out, t)
	}
	for _, e := range entries {
		if e.Hooks.Tools == nil {
			continue
		}
		for _, t := range e.Hooks.Tools(e.Config) {
			name := string(t.Name)
			if seen[name] {
				return nil, &ConfigError{Reason: "duplicate tool name: " + name}
			}
			seen[name] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// RunBeforeModel runs every entry's BeforeModel hook in list order,
// short-circuiting on the first error (§4.5 Ordering).
func RunBeforeModel(ctx context.Context, s *state.State, entries []ResolvedEntry) (*state.State, error) {
	cur := s
	for _, e := range entries {
		if e.Hooks.BeforeModel == nil {
			continue
		}
		next, err := e.Hooks.BeforeModel(ctx, cur, e.Config)
		if err != nil {
			return cur, err
		}
		if next != nil {
			cur = next
		}
	}
	return cur, nil
}

// RunAfterModel runs every entry's AfterModel hook in *reverse* list order
// (the sandwich described in §4.5 Ordering), short-circuiting on the first
// error or interrupt outcome.
func RunAfterModel(ctx context.Context, s *state.State, entries []ResolvedEntry) AfterModelResult {
	cur := s
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Hooks.AfterModel == nil {
			continue
		}
		res := e.Hooks.AfterModel(ctx, cur, e.Config)
		switch res.Outcome {
		case AfterModelOutcomeError, AfterModelOutcomeInterrupt:
			return res
		case AfterModelOutcomeOK:
			if res.State != nil {
				cur = res.State
			}
		default:
			// Treat an unset/unknown outcome as pass-through, matching the
			// spec's "defaults pass through" rule for optional hooks.
		}
	}
	return AfterModelResult{Outcome: AfterModelOutcomeOK, State: cur}
}

// ForkContext folds every resolved entry's OnForkContext hook over ctx, in
// list order, implementing the fork_with_middleware contract (§4.3).
func ForkContext(ctx map[string]any, entries []ResolvedEntry) map[string]any {
	cur := ctx
	for _, e := range entries {
		if e.Hooks.OnForkContext == nil {
			continue
		}
		next := e.Hooks.OnForkContext(cur, e.Config)
		if next != nil {
			cur = next
		}
	}
	return cur
}

// Dispatch routes msg to the resolved entry with the given middleware id.
// Messages for unknown ids are logged by the caller and dropped (§4.5
// Async middleware messaging); Dispatch itself just reports whether a
// matching entry with a HandleMessage hook was found.
func Dispatch(ctx context.Context, id string, msg any, s *state.State, entries []ResolvedEntry) (*state.State, bool, error) {
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		if e.Hooks.HandleMessage == nil {
			return s, true, nil
		}
		next, err := e.Hooks.HandleMessage(ctx, msg, s, e.Config)
		if err != nil {
			return s, true, err
		}
		if next != nil {
			s = next
		}
		return s, true, nil
	}
	return s, false, nil
}

// ConfigError reports a configuration-time middleware failure (§7
// Configuration: duplicate tool names, malformed stack).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "middleware config: " + e.Reason }

// InitError wraps a middleware's Init failure, naming the offending module
// (§7 Middleware init).
type InitError struct {
	Module string
	Cause  error
}

func (e *InitError) Error() string {
	return "middleware init failed for " + e.Module + ": " + e.Cause.Error()
}

func (e *InitError) Unwrap() error { return e.Cause }
