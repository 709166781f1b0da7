package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sagents-ai/sagents/runtime/agent/agentcontext"
	"github.com/sagents-ai/sagents/runtime/agent/hooks"
	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// AddMessage appends msg to State and schedules execute() unless the
// worker is already Running or Interrupted (§4.7 add_message).
func (w *Worker) AddMessage(ctx context.Context, msg state.Message) error {
	return w.enqueue(ctx, func() error {
		w.resetInactivity()
		w.state.AppendMessage(msg)
		if w.status == state.StatusIdle || w.status == state.StatusError {
			return w.startExecute()
		}
		return nil
	})
}

// Execute transitions Idle (or Error) → Running and spawns the pipeline task
// (§4.7 execute()).
func (w *Worker) Execute(ctx context.Context) error {
	return w.enqueue(ctx, func() error {
		w.resetInactivity()
		return w.startExecute()
	})
}

func (w *Worker) startExecute() error {
	if w.status != state.StatusIdle && w.status != state.StatusError {
		return fmt.Errorf("%w: execute requires Idle, got %s", ErrNotIdle, w.status)
	}
	snapshot := w.state.Clone()
	ctxValues, runCtx := w.forkForTask()
	w.cancelRequested = false
	w.setStatus(state.StatusRunning, "")
	go w.runPipelineTask(runCtx, ctxValues, func(ctx context.Context) (*state.State, pipeline.StepResult) {
		return w.pipeline.Run(ctx, snapshot)
	})
	return nil
}

// Cancel raises the cooperative cancellation flag and cancels the running
// task's context; only valid while Running (§4.7 cancel()).
func (w *Worker) Cancel(ctx context.Context) error {
	return w.enqueue(ctx, func() error {
		if w.status != state.StatusRunning {
			return fmt.Errorf("%w: cancel requires Running, got %s", ErrNotRunning, w.status)
		}
		w.cancelRequested = true
		if w.runCancel != nil {
			w.runCancel()
		}
		w.setStatus(state.StatusCancelled, "")
		return nil
	})
}

// Resume applies decisions to the pending interrupt and spawns a new
// pipeline task re-entering at propagate_state; only valid while
// Interrupted (§4.7 resume()).
func (w *Worker) Resume(ctx context.Context, decisions []pipeline.ResumeDecision) error {
	return w.enqueue(ctx, func() error {
		w.resetInactivity()
		if w.status != state.StatusInterrupted {
			return fmt.Errorf("%w: resume requires Interrupted, got %s", ErrNotInterrupted, w.status)
		}
		snapshot := w.state.Clone()
		ctxValues, runCtx := w.forkForTask()
		w.cancelRequested = false
		w.setStatus(state.StatusRunning, "")
		go w.runPipelineTask(runCtx, ctxValues, func(ctx context.Context) (*state.State, pipeline.StepResult) {
			return w.pipeline.Resume(ctx, snapshot, decisions)
		})
		return nil
	})
}

// forkForTask snapshots the worker's Context via fork_with_middleware
// (§4.3) and builds a fresh cancellable context for the upcoming task,
// recording its cancel func so Cancel() can reach it.
func (w *Worker) forkForTask() (map[string]any, context.Context) {
	snap := w.agentContext.ForkWithMiddleware(func(m map[string]any) map[string]any {
		return middleware.ForkContext(m, w.resolvedMW)
	})
	runCtx, cancel := context.WithCancel(context.Background())
	w.runCancel = cancel
	return snap, runCtx
}

// runPipelineTask runs on its own goroutine, never touching w directly
// except through deliver (§5 "suspended code operates on its own captured
// snapshot until control returns to the worker via a command"). A panic
// anywhere in the pipeline (middleware hook, tool invocation) is caught
// here and folded into an Error outcome rather than crashing this task's
// goroutine (§4.7 fault isolation).
func (w *Worker) runPipelineTask(ctx context.Context, ctxValues map[string]any, run func(context.Context) (*state.State, pipeline.StepResult)) {
	taskCtx := agentcontext.New()
	initCtx, errs := taskCtx.Init(ctx, ctxValues)
	for _, err := range errs {
		w.logger.Warn(initCtx, "worker: context restore failed", "agent_id", w.id, "error", err.Error())
	}

	var final *state.State
	var res pipeline.StepResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = pipeline.StepResult{Outcome: pipeline.OutcomeError, Err: fmt.Errorf("worker: pipeline task panicked: %v", r)}
			}
		}()
		final, res = run(initCtx)
	}()
	if final == nil {
		final = w.state
	}

	w.deliver(func() { w.onPipelineDone(final, res) })
}

// onPipelineDone settles Status from the outcome of a just-finished
// pipeline task and persists per §4.7's context table. It runs on the
// mailbox goroutine, so it is the only place that applies a finished
// task's State back onto the worker.
func (w *Worker) onPipelineDone(s *state.State, res pipeline.StepResult) {
	w.runCancel = nil
	w.state = s

	if w.status == state.StatusCancelled {
		w.setStatus(state.StatusIdle, "cancelled")
		return
	}

	switch res.Outcome {
	case pipeline.OutcomeOK:
		w.setStatus(state.StatusIdle, "")
		w.persist(context.Background(), PersistOnCompletion)
	case pipeline.OutcomeInterrupt:
		w.setStatus(state.StatusInterrupted, "")
		w.persist(context.Background(), PersistOnInterrupt)
	case pipeline.OutcomePause:
		w.setStatus(state.StatusIdle, "paused")
	case pipeline.OutcomeError:
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		}
		w.setStatus(state.StatusError, detail)
		w.persist(context.Background(), PersistOnError)
	default:
		w.setStatus(state.StatusError, "worker: pipeline returned an unrecognized outcome")
	}
}

// ExportState returns a read-only snapshot of State (§4.7 export_state()).
func (w *Worker) ExportState(ctx context.Context) (*state.State, error) {
	var out *state.State
	err := w.enqueue(ctx, func() error {
		w.resetInactivity()
		out = w.state.Clone()
		return nil
	})
	return out, err
}

// GetState is an alias for ExportState; §4.7 lists both names for the same
// read-only snapshot behavior.
func (w *Worker) GetState(ctx context.Context) (*state.State, error) {
	return w.ExportState(ctx)
}

// UpdateAgentAndState atomically replaces both AgentConfig and State; only
// valid while Idle (§4.7 update_agent_and_state()). The middleware stack
// and pipeline are rebuilt from the new config.
func (w *Worker) UpdateAgentAndState(ctx context.Context, newConfig *state.AgentConfig, newState *state.State, middlewareOpts []map[string]any) error {
	return w.enqueue(ctx, func() error {
		if w.status != state.StatusIdle {
			return fmt.Errorf("%w: update_agent_and_state requires Idle, got %s", ErrNotIdle, w.status)
		}
		if newConfig == nil {
			return fmt.Errorf("worker: update_agent_and_state requires a non-nil AgentConfig")
		}

		resolved, err := middleware.Resolve(newConfig.Middleware, middlewareOpts)
		if err != nil {
			return fmt.Errorf("worker: resolve middleware: %w", err)
		}
		assembledTools, err := middleware.AssembleTools(newConfig.Tools, resolved)
		if err != nil {
			return fmt.Errorf("worker: assemble tools: %w", err)
		}
		var prompts []string
		for _, e := range resolved {
			if e.Hooks.SystemPrompt == nil {
				continue
			}
			prompts = append(prompts, e.Hooks.SystemPrompt(e.Config)...)
		}

		agentCfg := *newConfig
		agentCfg.Tools = assembledTools
		agentCfg.AssembledSystemPrompt = state.AssembleSystemPrompt(newConfig.BaseSystemPrompt, prompts)

		p, err := pipeline.New(pipeline.Config{
			Agent:       &agentCfg,
			Middleware:  resolved,
			Tools:       w.toolHandlers,
			Events:      w,
			ShouldPause: func() bool { return w.cancelRequested },
			Now:         w.now,
		})
		if err != nil {
			return fmt.Errorf("worker: rebuild pipeline: %w", err)
		}

		w.agentCfg = &agentCfg
		w.resolvedMW = resolved
		w.pipeline = p
		if newState != nil {
			w.state = newState
		}
		w.bus.Publish(ctx, hooks.Event{
			Kind:          hooks.KindStateRestored,
			AgentID:       w.id,
			Timestamp:     w.now(),
			RestoredState: w.state,
		})
		return nil
	})
}

// Subscribe registers sub on this worker's main EventBus topic (§4.7
// subscribe()).
func (w *Worker) Subscribe(sub hooks.Subscriber) hooks.Subscription {
	return w.bus.Subscribe(w.id, sub)
}

// SubscribeDebug registers sub on this worker's debug EventBus topic
// (§4.7 subscribe_debug()).
func (w *Worker) SubscribeDebug(sub hooks.DebugSubscriber) hooks.Subscription {
	return w.bus.SubscribeDebug(w.id, sub)
}

// SendMiddlewareMessage routes msg to middlewareID's HandleMessage hook
// (§4.7 send_middleware_message()). A middleware that wants a persisted
// title change can apply its own State mutation and the caller can follow
// up with a PersistOnTitleGenerated-context persist via its own logic; the
// dispatch itself only updates State.
func (w *Worker) SendMiddlewareMessage(ctx context.Context, middlewareID string, msg any) error {
	return w.enqueue(ctx, func() error {
		w.resetInactivity()
		next, handled, err := middleware.Dispatch(ctx, middlewareID, msg, w.state, w.resolvedMW)
		if err != nil {
			return fmt.Errorf("worker: middleware %q HandleMessage: %w", middlewareID, err)
		}
		if handled && next != nil {
			w.state = next
		}
		return nil
	})
}

// PublishEventFrom is a fan-out helper callable from tool tasks or
// middleware background tasks that only know the worker's id (§4.7
// publish_event_from()). It does not go through the mailbox: Bus.Publish
// is already safe for concurrent callers.
func (w *Worker) PublishEventFrom(ctx context.Context, ev hooks.Event) {
	ev.AgentID = w.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now()
	}
	w.bus.Publish(ctx, ev)
}

// PublishDebugEventFrom is PublishEventFrom's debug-topic counterpart
// (§4.7 publish_debug_event_from()).
func (w *Worker) PublishDebugEventFrom(ctx context.Context, ev hooks.DebugEvent) {
	ev.AgentID = w.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now()
	}
	w.bus.PublishDebug(ctx, ev)
}

// Stop gracefully shuts the worker down with the given reason (typically
// ShutdownManual, via Placement.Launcher.Stop).
func (w *Worker) Stop(ctx context.Context, reason hooks.ShutdownReason) error {
	return w.enqueue(ctx, func() error {
		w.shutdown(reason)
		return nil
	})
}

// PublishEvent implements pipeline.EventPublisher: it adapts the
// pipeline's local event shape into hooks.Event and fans it out on the
// main topic. The pipeline task calls this directly (not through the
// mailbox), matching Bus.Publish's documented concurrent-caller safety.
func (w *Worker) PublishEvent(ctx context.Context, ev pipeline.PipelineEvent) {
	w.bus.Publish(ctx, adaptPipelineEvent(w.id, w.now(), ev))
}

func adaptPipelineEvent(agentID string, ts time.Time, ev pipeline.PipelineEvent) hooks.Event {
	out := hooks.Event{AgentID: agentID, Timestamp: ts}
	switch ev.Kind {
	case "llm_message":
		out.Kind = hooks.KindLLMMessage
		out.LLMMessage = ev.LLMMessage
	case "llm_token_usage":
		out.Kind = hooks.KindLLMTokenUsage
		out.TokenUsage = ev.TokenUsage
	case "tool_call_identified":
		out.Kind = hooks.KindToolCallIdentified
		out.ToolInfo = adaptToolInfo(ev.ToolInfo)
	case "tool_execution_update":
		out.Kind = hooks.KindToolExecutionUpdate
		out.ToolInfo = adaptToolInfo(ev.ToolInfo)
		out.ToolPhase = hooks.ToolExecutionPhase(ev.ToolPhase)
	default:
		out.Kind = hooks.EventKind(ev.Kind)
	}
	if len(ev.Todos) > 0 {
		out.Todos = ev.Todos
	}
	return out
}

func adaptToolInfo(ti *pipeline.ToolEventInfo) *hooks.ToolInfo {
	if ti == nil {
		return nil
	}
	return &hooks.ToolInfo{
		CallID:      ti.CallID,
		Name:        ti.Name,
		Arguments:   []byte(ti.Arguments),
		DisplayText: ti.DisplayText,
		Result:      ti.Result,
	}
}
