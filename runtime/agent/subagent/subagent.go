// Package subagent implements the task tool (§4.8 SubAgentWorker): a
// ToolHandlerFunc that launches a named child AgentWorker, waits for it to
// finish or interrupt, and lifts the child's interrupt into the parent's
// tool result instead of surfacing an exception.
//
// Grounded on the teacher's runtime/agent/runtime/child_tracker.go, which
// already ran nested agents as tools and tracked children for cancellation
// ordering; this package generalizes that single-purpose mechanism into
// the spec's HumanInTheLoop + InterruptSignal + pending_interrupts model
// (§4.6, §4.8) and drives the child through the same worker.Worker command
// surface a top-level caller would use, rather than a bespoke child API.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagents-ai/sagents/runtime/agent/hooks"
	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/worker"
)

type (
	// Config wires the task tool handler to the parent worker that will
	// own it. One Config/handler pair is built per parent worker, alongside
	// its pipeline.ToolHandlers map, and registered under
	// middleware.TaskToolName.
	Config struct {
		// ParentConfig is passed to SubAgentSpec.Build for every launch.
		ParentConfig *state.AgentConfig
		// Specs is the resolved SubAgent middleware's spec table
		// (middleware.SubAgentConfig.Specs).
		Specs map[string]*middleware.SubAgentSpec
		// Bus is shared with the parent and every child: topics are
		// already namespaced by agent id, so one process-wide Bus serves
		// every worker a node hosts (§4.4).
		Bus *hooks.Bus
		// Persistence and DisplayPersistence are passed through to every
		// child worker.Config unchanged.
		Persistence        worker.AgentPersistence
		DisplayPersistence worker.DisplayMessagePersistence
		// InactivityTimeout is passed through to every child; defaults to
		// worker's own default (5 min) when zero.
		InactivityTimeout time.Duration
		// Now defaults to time.Now; overridable for deterministic tests.
		Now func() time.Time
	}

	taskArgs struct {
		SubAgentType string          `json:"subagent_type"`
		Input        string          `json:"input"`
		ResumeInfo   *resumeInfoArgs `json:"resume_info,omitempty"`
	}

	resumeInfoArgs struct {
		SubAgentID string                    `json:"sub_agent_id"`
		Decisions  []pipeline.ResumeDecision `json:"decisions"`
	}

	// handler owns every in-flight child this parent's task tool has
	// launched, keyed by sub-agent id so a later resume_info call finds
	// the right worker.
	handler struct {
		cfg      Config
		mu       sync.Mutex
		children map[string]*worker.Worker
		// remoteChildren tracks sub-agent ids launched through a spec's
		// Remote handler, so a later resume_info call routes back to the
		// same remote transport instead of looking for a local
		// worker.Worker that was never started.
		remoteChildren map[string]middleware.RemoteTaskHandler
	}
)

// NewTaskToolHandler builds the ToolHandlerFunc for middleware.TaskToolName.
// Callers register it into the parent worker's pipeline.ToolHandlers:
//
//	handlers := pipeline.ToolHandlers{middleware.TaskToolName: subagent.NewTaskToolHandler(cfg)}
func NewTaskToolHandler(cfg Config) pipeline.ToolHandlerFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &handler{cfg: cfg, children: make(map[string]*worker.Worker)}
	return h.handle
}

func (h *handler) handle(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error) {
	var args taskArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return state.ToolResult{}, fmt.Errorf("subagent: invalid task tool arguments: %w", err)
	}
	if args.ResumeInfo != nil {
		if remote, ok := h.lookupRemote(args.ResumeInfo.SubAgentID); ok {
			return h.callRemote(ctx, remote, args.ResumeInfo.SubAgentID, call, s)
		}
		return h.resume(ctx, args)
	}
	if spec, ok := h.cfg.Specs[args.SubAgentType]; ok && spec.Remote != nil {
		return h.launchRemote(ctx, spec, call, s)
	}
	return h.launch(ctx, args)
}

// launchRemote and callRemote forward a task tool call to spec.Remote
// (typically runtime/agent/subagent/nexus.Client.Handle) instead of
// starting a local worker.Worker, tracking the returned sub-agent id only
// while it is interrupted so a later resume_info call routes back to the
// same remote transport.
func (h *handler) launchRemote(ctx context.Context, spec *middleware.SubAgentSpec, call state.ToolCall, s *state.State) (state.ToolResult, error) {
	return h.callRemote(ctx, spec.Remote, "", call, s)
}

func (h *handler) callRemote(ctx context.Context, remote middleware.RemoteTaskHandler, knownID string, call state.ToolCall, s *state.State) (state.ToolResult, error) {
	result, err := remote(ctx, call, s)
	if err != nil {
		return state.ToolResult{}, err
	}
	if sig, ok := result.ProcessedContent.(*state.InterruptSignal); ok && sig != nil && sig.Kind == state.InterruptKindSubAgentHITL {
		h.mu.Lock()
		if h.remoteChildren == nil {
			h.remoteChildren = make(map[string]middleware.RemoteTaskHandler)
		}
		h.remoteChildren[sig.SubAgentID] = remote
		h.mu.Unlock()
		return result, nil
	}
	if knownID != "" {
		h.forgetRemote(knownID)
	}
	return result, nil
}

func (h *handler) lookupRemote(subAgentID string) (middleware.RemoteTaskHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	remote, ok := h.remoteChildren[subAgentID]
	return remote, ok
}

func (h *handler) forgetRemote(subAgentID string) {
	h.mu.Lock()
	delete(h.remoteChildren, subAgentID)
	h.mu.Unlock()
}

// launch builds a fresh child AgentConfig from the named spec, starts a new
// worker.Worker for it, seeds its State with a single user message carrying
// args.Input, runs it, and waits for a terminal status (§4.8 item 1).
func (h *handler) launch(ctx context.Context, args taskArgs) (state.ToolResult, error) {
	spec, ok := h.cfg.Specs[args.SubAgentType]
	if !ok {
		return state.ToolResult{}, fmt.Errorf("subagent: unknown subagent_type %q", args.SubAgentType)
	}
	childConfig, err := spec.Build(h.cfg.ParentConfig)
	if err != nil {
		return state.ToolResult{}, fmt.Errorf("subagent: build config for %q: %w", args.SubAgentType, err)
	}
	childID := "sub-" + uuid.NewString()
	cfgCopy := *childConfig
	cfgCopy.AgentID = childID

	childState := state.NewState(childID)
	childState.AppendMessage(state.Message{
		Role:      state.RoleUser,
		Parts:     []model.Part{model.TextPart{Text: args.Input}},
		CreatedAt: h.cfg.Now(),
	})

	child, err := worker.New(worker.Config{
		AgentConfig:        &cfgCopy,
		MiddlewareOpts:     spec.MiddlewareOpts,
		Bus:                h.cfg.Bus,
		InitialState:       childState,
		Persistence:        h.cfg.Persistence,
		DisplayPersistence: h.cfg.DisplayPersistence,
		InactivityTimeout:  h.cfg.InactivityTimeout,
		Now:                h.cfg.Now,
	})
	if err != nil {
		return state.ToolResult{}, fmt.Errorf("subagent: start child %q: %w", childID, err)
	}

	h.mu.Lock()
	h.children[childID] = child
	h.mu.Unlock()

	status, done := h.watch(child)
	if err := child.Execute(ctx); err != nil {
		done()
		h.forget(childID)
		return state.ToolResult{}, fmt.Errorf("subagent: execute child %q: %w", childID, err)
	}
	return h.await(ctx, child, args.SubAgentType, status, done)
}

// resume re-invokes an already-launched child's resume() with the parent's
// decisions and waits for its next terminal status (§4.8 item 2). The
// recursion this implements terminates because each resume consumes at
// least one pending interrupt.
func (h *handler) resume(ctx context.Context, args taskArgs) (state.ToolResult, error) {
	h.mu.Lock()
	child := h.children[args.ResumeInfo.SubAgentID]
	h.mu.Unlock()
	if child == nil {
		return state.ToolResult{}, fmt.Errorf("subagent: unknown sub_agent_id %q", args.ResumeInfo.SubAgentID)
	}

	status, done := h.watch(child)
	if err := child.Resume(ctx, args.ResumeInfo.Decisions); err != nil {
		done()
		return state.ToolResult{}, fmt.Errorf("subagent: resume child %q: %w", args.ResumeInfo.SubAgentID, err)
	}
	return h.await(ctx, child, "", status, done)
}

// watch subscribes to child's main topic before any command that might
// move it to a terminal status, so the eventual status_changed delivery
// can never race ahead of await's select below.
func (h *handler) watch(child *worker.Worker) (<-chan state.Status, func()) {
	statusCh := make(chan state.Status, 1)
	sub := h.cfg.Bus.Subscribe(child.ID(), hooks.SubscriberFunc(func(_ context.Context, ev hooks.Event) error {
		if ev.Kind != hooks.KindStatusChanged || ev.StatusChanged == nil {
			return nil
		}
		switch ev.StatusChanged.NewStatus {
		case state.StatusIdle, state.StatusInterrupted, state.StatusError:
			select {
			case statusCh <- ev.StatusChanged.NewStatus:
			default:
			}
		}
		return nil
	}))
	return statusCh, sub.Close
}

// await blocks until child reaches a terminal status or ctx is canceled,
// then packages the outcome as the parent's tool result.
func (h *handler) await(ctx context.Context, child *worker.Worker, subAgentType string, statusCh <-chan state.Status, done func()) (state.ToolResult, error) {
	defer done()
	select {
	case st := <-statusCh:
		childState, err := child.ExportState(context.Background())
		if err != nil {
			return state.ToolResult{}, fmt.Errorf("subagent: export child %q state: %w", child.ID(), err)
		}
		return h.resultFor(child.ID(), subAgentType, st, childState)
	case <-ctx.Done():
		_ = child.Cancel(context.Background())
		return state.ToolResult{}, ctx.Err()
	}
}

func (h *handler) resultFor(childID, subAgentType string, st state.Status, childState *state.State) (state.ToolResult, error) {
	switch st {
	case state.StatusInterrupted:
		// Left in h.children: the parent's eventual resume_info re-invokes
		// this exact child.
		return state.ToolResult{
			Content: fmt.Sprintf("sub-agent %s is awaiting a decision", childID),
			ProcessedContent: &state.InterruptSignal{
				Kind:          state.InterruptKindSubAgentHITL,
				SubAgentID:    childID,
				SubAgentType:  subAgentType,
				InterruptData: childState.InterruptData,
			},
		}, nil
	case state.StatusError:
		h.forget(childID)
		return state.ToolResult{
			Content: fmt.Sprintf("sub-agent %s ended in error", childID),
			IsError: true,
		}, nil
	default: // state.StatusIdle: the child ran to completion.
		h.forget(childID)
		return state.ToolResult{Content: lastAssistantText(childState)}, nil
	}
}

func (h *handler) forget(childID string) {
	h.mu.Lock()
	delete(h.children, childID)
	h.mu.Unlock()
}

// lastAssistantText renders the plain-text content of the most recent
// assistant message as the task tool's human-readable result (§4.8).
func lastAssistantText(s *state.State) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role != state.RoleAssistant {
			continue
		}
		var out string
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				out += tp.Text
			}
		}
		return out
	}
	return ""
}
