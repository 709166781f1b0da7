// Package pipeline implements the ExecutionPipeline component (L6, §4.6):
// the fixed step chain that drives one or more LLM turns on behalf of an
// AgentWorker until a terminal condition is reached.
//
// The pipeline is expressed as a sequence of steps, each returning one of a
// closed set of outcomes (continue, ok, error, interrupt, pause). A non-
// "continue" outcome short-circuits the remaining steps for that turn. This
// generalizes the teacher's Runtime/Planner workflow loop (PlanStart/
// PlanResume over engine.Engine-hosted workflows) into a lighter in-process
// loop over a model.Client directly, matching the spec's single-writer
// AgentWorker model rather than a durable-workflow one.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// Outcome classifies a StepResult (§4.6: {continue}, {ok}, {error},
// {interrupt}, {pause}).
type Outcome string

const (
	// OutcomeContinue means proceed to the next step in the chain.
	OutcomeContinue Outcome = "continue"
	// OutcomeOK means the pipeline reached a terminal successful state for
	// this run; Extra may carry maybe_check_until_tool's matching result.
	OutcomeOK Outcome = "ok"
	// OutcomeError means the pipeline terminated with an error.
	OutcomeError Outcome = "error"
	// OutcomeInterrupt means the pipeline paused on a pending decision
	// (HITL or lifted sub-agent interrupt).
	OutcomeInterrupt Outcome = "interrupt"
	// OutcomePause means the caller's ShouldPause predicate fired.
	OutcomePause Outcome = "pause"
)

// ErrExceededMaxRuns is the error reason for check_max_runs (§4.6).
var ErrExceededMaxRuns = errors.New("pipeline: exceeded max runs")

// ErrUntilToolNotCalled is the error reason continue_or_done_safe returns
// when until_tool was configured but never matched (§4.6).
var ErrUntilToolNotCalled = errors.New("pipeline: until_tool was never called")

// defaultMaxRuns is check_max_runs' default loop bound (§4.6).
const defaultMaxRuns = 50

type (
	// StepResult is the tagged union every step returns (§4.6). Exactly the
	// fields matching Outcome are meaningful.
	StepResult struct {
		Outcome Outcome
		Chain   *Chain
		Err     error
		Data    *state.InterruptData
		Extra   any
	}

	// ToolHandlerFunc executes one tool call and returns its outcome.
	// Result.ProcessedContent distinguishes a State delta (merged by
	// propagate_state) from an InterruptSignal (lifted by
	// check_post_tool_interrupt) from plain text. tools.ToolSpec carries no
	// executable handler of its own (it is pure metadata shared with
	// planners and codegen), so the pipeline keeps handlers in a side table
	// keyed by tool name, populated by whoever assembles the AgentConfig.
	ToolHandlerFunc func(ctx context.Context, call state.ToolCall, s *state.State) (state.ToolResult, error)

	// EventPublisher is the subset of hooks.Bus the pipeline needs to emit
	// its events; AgentWorker passes its own Bus through here.
	EventPublisher interface {
		PublishEvent(ctx context.Context, event PipelineEvent)
	}

	// PipelineEvent is the shape the pipeline hands to an EventPublisher;
	// runtime/agent/worker adapts this into hooks.Event with AgentID/
	// Timestamp filled in.
	PipelineEvent struct {
		Kind         string
		StatusDetail string
		LLMChunk     *model.Chunk
		LLMMessage   *state.Message
		TokenUsage   *model.TokenUsage
		ToolInfo     *ToolEventInfo
		ToolPhase    string
		Todos        []state.Todo
	}

	// ToolEventInfo carries tool identity for tool_call_identified and
	// tool_execution_update events.
	ToolEventInfo struct {
		CallID      string
		Name        string
		Arguments   json.RawMessage
		DisplayText string
		Result      *state.ToolResult
	}

	// Config configures one Pipeline instance. Middleware is the already-
	// Resolve()'d stack (AgentConfig.Middleware resolved once at worker
	// start); the pipeline never calls middleware.Resolve itself.
	Config struct {
		Agent      *state.AgentConfig
		Middleware []middleware.ResolvedEntry
		Tools      ToolHandlers
		Events     EventPublisher
		// ShouldPause is consulted by check_pause; nil means never pause.
		ShouldPause func() bool
		// Now defaults to time.Now; overridable for deterministic tests.
		Now func() time.Time
	}

	// ToolHandlers maps a tool name to the function that executes it.
	ToolHandlers map[string]ToolHandlerFunc

	// ResumeDecision resolves one pending ActionRequest, positionally, during
	// Resume (§4.6 Resume). Arguments and ToolName are only consulted for
	// state.DecisionEdit: Arguments replaces the original call arguments,
	// and ToolName, if non-empty, replaces the tool invoked.
	ResumeDecision struct {
		Decision  state.Decision
		Arguments json.RawMessage
		ToolName  string
	}

	// Pipeline drives State through the step chain for one AgentConfig.
	Pipeline struct {
		cfg Config
	}

	// Chain is the mutable cursor threaded through one run's steps: the
	// working State plus bookkeeping the chain needs across steps (run
	// count, the HITL config resolved from middleware, whether until_tool
	// matched). It is not exported as part of the public Run/Resume result;
	// callers only see the final State and StepResult.
	Chain struct {
		ctx   context.Context
		state *state.State
		runs  int

		hitl           *middleware.HumanInTheLoopConfig
		untilToolSeen  bool
		untilToolMatch *state.ToolResult
	}
)

// New constructs a Pipeline. It validates until_tool names against the
// assembled tool set up front, per §4.6 ("Validation ... happens at the top
// of run and returns an error before any LLM call").
func New(cfg Config) (*Pipeline, error) {
	if cfg.Agent == nil {
		return nil, errors.New("pipeline: Config.Agent is required")
	}
	if cfg.Agent.ChatModel == nil {
		return nil, errors.New("pipeline: AgentConfig.ChatModel is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = ToolHandlers{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := validateUntilTool(cfg.Agent); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

func validateUntilTool(agentCfg *state.AgentConfig) error {
	if len(agentCfg.UntilTool) == 0 {
		return nil
	}
	known := make(map[string]bool, len(agentCfg.Tools))
	for _, t := range agentCfg.Tools {
		known[string(t.Name)] = true
	}
	for _, name := range agentCfg.UntilTool {
		if !known[name] {
			return fmt.Errorf("pipeline: until_tool %q is not in the assembled tool set", name)
		}
	}
	return nil
}

func (p *Pipeline) hitlConfig() *middleware.HumanInTheLoopConfig {
	for _, e := range p.cfg.Middleware {
		if cfg, ok := e.Config.(*middleware.HumanInTheLoopConfig); ok {
			return cfg
		}
	}
	return nil
}

// Run drives s through the step chain until a terminal StepResult, starting
// at call_llm (§4.6's default mode composition).
func (p *Pipeline) Run(ctx context.Context, s *state.State) (*state.State, StepResult) {
	c := &Chain{ctx: ctx, state: s, hitl: p.hitlConfig()}
	return p.loop(c, entryCallLLM)
}

// Resume applies decisions to s's pending interrupt and re-enters the chain
// at propagate_state, per §4.6's Resume contract: decisions apply
// positionally to InterruptData.Current.ActionRequests, producing a fresh
// tool-role message, then the loop continues without an intervening LLM
// call. If draining leaves further PendingInterrupts, the next one becomes
// Current and a new interrupt surfaces immediately.
func (p *Pipeline) Resume(ctx context.Context, s *state.State, decisions []ResumeDecision) (*state.State, StepResult) {
	if !s.IsInterrupted() {
		return s, StepResult{Outcome: OutcomeError, Chain: &Chain{ctx: ctx, state: s},
			Err: errors.New("pipeline: Resume called on a State with no pending interrupt")}
	}
	c := &Chain{ctx: ctx, state: s, hitl: p.hitlConfig()}

	if current := s.InterruptData.Current; current != nil && current.SubAgent != nil {
		// A lifted sub-agent interrupt resolves by re-invoking the task tool
		// with resume_info, handled by runtime/agent/subagent; the pipeline
		// itself only clears the record once the caller has produced the
		// follow-up tool result and re-driven propagate_state. Callers that
		// reach Resume with a SubAgent interrupt are expected to have
		// already appended that tool-role message to s before calling.
		s.InterruptData = nil
		return p.loop(c, entryPropagateState)
	}

	if err := p.applyDecisions(c, decisions); err != nil {
		return s, StepResult{Outcome: OutcomeError, Chain: c, Err: err}
	}
	// Draining the resolved interrupt may have surfaced the next
	// PendingInterrupts entry as the new Current; that is itself a terminal
	// {interrupt, ...} outcome with no intervening LLM call (§4.6 Resume).
	if c.state.IsInterrupted() {
		return c.state, StepResult{Outcome: OutcomeInterrupt, Chain: c, Data: c.state.InterruptData}
	}
	return p.loop(c, entryPropagateState)
}

// step is one link in the chain.
type step func(c *Chain) StepResult

// entryPoint names where loop resumes the chain.
type entryPoint int

const (
	entryCallLLM entryPoint = iota
	entryPropagateState
)

// chain returns the full default composition (§4.6):
//
//	call_llm → check_max_runs → check_pause → check_pre_tool_hitl
//	        → execute_tools → propagate_state → check_post_tool_interrupt
//	        → maybe_check_until_tool → continue_or_done_safe
//
// startAt indexes into this slice: Run enters at 0 (call_llm); Resume
// re-enters at the propagate_state index, skipping call_llm and the
// tool-call steps that only make sense following a fresh LLM turn.
func (p *Pipeline) chainSteps() []step {
	return []step{
		p.callLLM,
		p.checkMaxRuns,
		p.checkPause,
		p.checkPreToolHITL,
		p.executeTools,
		p.propagateState,
		p.checkPostToolInterrupt,
		p.maybeCheckUntilTool,
		p.continueOrDoneSafe,
	}
}

const propagateStateIndex = 5

// loop drives c through the step chain starting at entry, until a
// non-continue outcome.
func (p *Pipeline) loop(c *Chain, entry entryPoint) (*state.State, StepResult) {
	steps := p.chainSteps()
	startAt := 0
	if entry == entryPropagateState {
		startAt = propagateStateIndex
	}

	for idx := startAt; idx < len(steps); idx++ {
		res := steps[idx](c)
		res.Chain = c
		if res.Outcome != OutcomeContinue {
			if res.Outcome == OutcomeOK && res.Extra == nil && c.untilToolMatch != nil {
				res.Extra = c.untilToolMatch
			}
			return c.state, res
		}
	}
	// continue_or_done_safe, the last step, always returns non-continue;
	// reaching here would be a composition bug.
	return c.state, StepResult{Outcome: OutcomeError, Chain: c,
		Err: errors.New("pipeline: step chain exhausted without a terminal outcome")}
}
