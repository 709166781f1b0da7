package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// callLLM dispatches the next LLM request via AgentConfig.ChatModel, falling
// back through FallbackModels in order on error (§4.6 call_llm). Each
// fallback attempt is preceded by BeforeFallback if configured.
func (p *Pipeline) callLLM(c *Chain) StepResult {
	s, err := middleware.RunBeforeModel(c.ctx, c.state, p.cfg.Middleware)
	if err != nil {
		return StepResult{Outcome: OutcomeError, Err: fmt.Errorf("before_model: %w", err)}
	}
	c.state = s

	req := p.buildRequest(c.state)

	resp, callErr := p.cfg.Agent.ChatModel.Complete(c.ctx, req)
	if callErr != nil {
		for _, fallback := range p.cfg.Agent.FallbackModels {
			fbReq := req
			if p.cfg.Agent.BeforeFallback != nil {
				fbReq = p.cfg.Agent.BeforeFallback(req)
			}
			resp, callErr = fallback.Complete(c.ctx, fbReq)
			if callErr == nil {
				break
			}
		}
	}
	if callErr != nil {
		return StepResult{Outcome: OutcomeError, Err: fmt.Errorf("call_llm: %w", callErr)}
	}

	msg := responseToMessage(resp)
	c.state.AppendMessage(msg)

	p.publish(c.ctx, PipelineEvent{Kind: "llm_message", LLMMessage: &msg})
	usage := resp.Usage
	p.publish(c.ctx, PipelineEvent{Kind: "llm_token_usage", TokenUsage: &usage})
	for _, tc := range msg.ToolCalls {
		p.publish(c.ctx, PipelineEvent{Kind: "tool_call_identified", ToolInfo: &ToolEventInfo{
			CallID: tc.CallID, Name: tc.Name, Arguments: tc.Arguments, DisplayText: tc.DisplayText,
		}})
	}

	res := middleware.RunAfterModel(c.ctx, c.state, p.cfg.Middleware)
	switch res.Outcome {
	case middleware.AfterModelOutcomeError:
		return StepResult{Outcome: OutcomeError, Err: res.Err}
	case middleware.AfterModelOutcomeInterrupt:
		c.state.InterruptData = res.Data
		return StepResult{Outcome: OutcomeInterrupt, Data: res.Data}
	}
	if res.State != nil {
		c.state = res.State
	}
	c.runs++
	return StepResult{Outcome: OutcomeContinue}
}

// buildRequest translates the accumulated state.Messages and AgentConfig
// into a model.Request. Tool calls/results round-trip via model.Part's
// ToolUsePart/ToolResultPart so provider adapters keep their existing
// message-shape handling (§package doc, state.go).
func (p *Pipeline) buildRequest(s *state.State) *model.Request {
	req := &model.Request{
		Messages: make([]*model.Message, 0, len(s.Messages)+1),
	}
	if p.cfg.Agent.AssembledSystemPrompt != "" {
		req.Messages = append(req.Messages, &model.Message{
			Role:  model.ConversationRoleSystem,
			Parts: []model.Part{model.TextPart{Text: p.cfg.Agent.AssembledSystemPrompt}},
		})
	}
	for _, m := range s.Messages {
		req.Messages = append(req.Messages, messageToModel(m))
	}
	for _, t := range p.cfg.Agent.Tools {
		req.Tools = append(req.Tools, &model.ToolDefinition{
			Name:        string(t.Name),
			Description: t.Description,
			InputSchema: json.RawMessage(t.Payload.Schema),
		})
	}
	return req
}

func messageToModel(m state.Message) *model.Message {
	role := model.ConversationRole(m.Role)
	out := &model.Message{Role: role, Parts: append([]model.Part(nil), m.Parts...)}
	for _, tc := range m.ToolCalls {
		out.Parts = append(out.Parts, model.ToolUsePart{ID: tc.CallID, Name: tc.Name, Input: json.RawMessage(tc.Arguments)})
	}
	for _, tr := range m.ToolResults {
		out.Parts = append(out.Parts, model.ToolResultPart{ToolUseID: tr.CallID, Content: tr.Content, IsError: tr.IsError})
	}
	return out
}

// responseToMessage projects a model.Response into the state package's
// assistant-role tagged union, separating rich content (Parts) from tool
// calls (state.ToolCall).
func responseToMessage(resp *model.Response) state.Message {
	msg := state.Message{Role: state.RoleAssistant}
	for _, c := range resp.Content {
		msg.Parts = append(msg.Parts, c.Parts...)
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, state.ToolCall{
			CallID:    tc.ID,
			Name:      string(tc.Name),
			Arguments: tc.Payload,
		})
	}
	return msg
}

// checkMaxRuns enforces the loop bound (§4.6 check_max_runs).
func (p *Pipeline) checkMaxRuns(c *Chain) StepResult {
	maxRuns := p.cfg.Agent.MaxRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	if c.runs > maxRuns {
		return StepResult{Outcome: OutcomeError, Err: ErrExceededMaxRuns}
	}
	return StepResult{Outcome: OutcomeContinue}
}

// checkPause consults the caller-supplied ShouldPause predicate (§4.6
// check_pause).
func (p *Pipeline) checkPause(c *Chain) StepResult {
	if p.cfg.ShouldPause != nil && p.cfg.ShouldPause() {
		return StepResult{Outcome: OutcomePause}
	}
	return StepResult{Outcome: OutcomeContinue}
}

// checkPreToolHITL surfaces an interrupt when the latest assistant tool
// calls match the configured HumanInTheLoop policy (§4.6
// check_pre_tool_hitl).
func (p *Pipeline) checkPreToolHITL(c *Chain) StepResult {
	data := middleware.CheckPreToolHITL(c.ctx, c.state, c.hitl)
	if data == nil {
		return StepResult{Outcome: OutcomeContinue}
	}
	c.state.InterruptData = data
	return StepResult{Outcome: OutcomeInterrupt, Data: data}
}

// executeTools dispatches every tool call in the latest assistant message
// concurrently and packages the results into one tool-role message (§4.6
// execute_tools).
func (p *Pipeline) executeTools(c *Chain) StepResult {
	calls := c.state.LastAssistantToolCalls()
	if len(calls) == 0 {
		return StepResult{Outcome: OutcomeContinue}
	}

	results := make([]state.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call state.ToolCall) {
			defer wg.Done()
			results[i] = p.dispatchTool(c.ctx, call, c.state)
		}(i, call)
	}
	wg.Wait()

	for i, call := range calls {
		phase := "completed"
		if results[i].IsError {
			phase = "failed"
		}
		p.publish(c.ctx, PipelineEvent{Kind: "tool_execution_update", ToolPhase: phase, ToolInfo: &ToolEventInfo{
			CallID: call.CallID, Name: call.Name, Arguments: call.Arguments, Result: &results[i],
		}})
	}

	c.state.AppendMessage(state.Message{Role: state.RoleTool, ToolResults: results})
	return StepResult{Outcome: OutcomeContinue}
}

// dispatchTool runs one tool call, reporting the "executing" phase (callers
// report the terminal phase), and synthesizes a failed result for unknown
// tool names (§4.6 "An unknown tool name produces a failed update and an
// error tool result"). A panic in the tool handler is recovered and returned
// as an error tool result.
func (p *Pipeline) dispatchTool(ctx context.Context, call state.ToolCall, s *state.State) (result state.ToolResult) {
	p.publish(ctx, PipelineEvent{Kind: "tool_execution_update", ToolPhase: "executing", ToolInfo: &ToolEventInfo{
		CallID: call.CallID, Name: call.Name, Arguments: call.Arguments,
	}})

	handler, ok := p.cfg.Tools[call.Name]
	if !ok {
		return state.ToolResult{
			CallID:  call.CallID,
			Name:    call.Name,
			Content: fmt.Sprintf("unknown tool: %s", call.Name),
			IsError: true,
		}
	}
	defer func() {
		if r := recover(); r != nil {
			result = state.ToolResult{
				CallID:  call.CallID,
				Name:    call.Name,
				Content: fmt.Sprintf("tool %s panicked: %v", call.Name, r),
				IsError: true,
			}
		}
	}()
	result, err := handler(ctx, call, s)
	if err != nil {
		return state.ToolResult{CallID: call.CallID, Name: call.Name, Content: err.Error(), IsError: true}
	}
	result.CallID = call.CallID
	result.Name = call.Name
	return result
}

// propagateState merges every State delta produced by the newest run of
// tool-role messages into c.state, chronological right-wins (§4.6
// propagate_state).
func (p *Pipeline) propagateState(c *Chain) StepResult {
	run := c.state.NewestToolRun()
	deltas := state.DeltasFromToolRun(run)
	if len(deltas) > 0 {
		c.state.Merge(deltas...)
	}
	return StepResult{Outcome: OutcomeContinue}
}

// checkPostToolInterrupt scans the last tool-role message for
// InterruptSignals, queuing any beyond the first into PendingInterrupts
// (§4.6 check_post_tool_interrupt).
func (p *Pipeline) checkPostToolInterrupt(c *Chain) StepResult {
	run := c.state.NewestToolRun()
	signals := state.SignalsFromToolRun(run)
	if len(signals) == 0 {
		return StepResult{Outcome: OutcomeContinue}
	}

	current := &state.CurrentInterrupt{SubAgent: signals[0]}
	data := &state.InterruptData{Current: current}
	for _, sig := range signals[1:] {
		data.PendingInterrupts = append(data.PendingInterrupts, &state.CurrentInterrupt{SubAgent: sig})
	}
	c.state.InterruptData = data
	return StepResult{Outcome: OutcomeInterrupt, Data: data}
}

// maybeCheckUntilTool implements §4.6 maybe_check_until_tool: active only
// when AgentConfig.UntilTool is set.
func (p *Pipeline) maybeCheckUntilTool(c *Chain) StepResult {
	if len(p.cfg.Agent.UntilTool) == 0 {
		return StepResult{Outcome: OutcomeContinue}
	}
	c.untilToolSeen = true

	wanted := make(map[string]bool, len(p.cfg.Agent.UntilTool))
	for _, name := range p.cfg.Agent.UntilTool {
		wanted[name] = true
	}
	calls := c.state.LastAssistantToolCalls()
	matchedCallID := ""
	for _, call := range calls {
		if wanted[call.Name] {
			matchedCallID = call.CallID
			break
		}
	}
	if matchedCallID == "" {
		return StepResult{Outcome: OutcomeContinue}
	}

	run := c.state.NewestToolRun()
	for _, msg := range run {
		for _, res := range msg.ToolResults {
			if res.CallID == matchedCallID {
				match := res
				c.untilToolMatch = &match
				return StepResult{Outcome: OutcomeOK, Extra: &match}
			}
		}
	}
	return StepResult{Outcome: OutcomeContinue}
}

// continueOrDoneSafe is the terminal dispatch (§4.6 continue_or_done_safe):
// if the chain still needs a response (the last message is a tool-role
// message awaiting the model's reaction), loop back to call_llm; otherwise
// report until_tool_not_called if that contract was active and never
// matched, or ok.
func (p *Pipeline) continueOrDoneSafe(c *Chain) StepResult {
	if needsMoreResponse(c.state) {
		return p.recurse(c)
	}
	if c.untilToolSeen && c.untilToolMatch == nil {
		return StepResult{Outcome: OutcomeError, Err: ErrUntilToolNotCalled}
	}
	return StepResult{Outcome: OutcomeOK}
}

// needsMoreResponse reports whether the run must return to call_llm: the
// most recent message is a tool-role message, meaning the model has not yet
// reacted to the latest tool results.
func needsMoreResponse(s *state.State) bool {
	if len(s.Messages) == 0 {
		return false
	}
	return s.Messages[len(s.Messages)-1].Role == state.RoleTool
}

// recurse drives one more pass through the full chain starting at call_llm
// from the current chain cursor, implementing the state-machine's
// "needs_more → ↻" transition (§4.6). c.state is mutated in place by the
// nested loop, so only the StepResult need be returned here.
func (p *Pipeline) recurse(c *Chain) StepResult {
	_, res := p.loop(c, entryCallLLM)
	return res
}

// applyDecisions implements Resume's action-request resolution (§4.6
// Resume): approve/edit/reject applied positionally against
// InterruptData.Current.ActionRequests, producing one fresh tool-role
// message and clearing the resolved interrupt. When PendingInterrupts is
// non-empty, its first entry becomes the new Current interrupt and the rest
// stay queued.
func (p *Pipeline) applyDecisions(c *Chain, decisions []ResumeDecision) error {
	data := c.state.InterruptData
	if data == nil || data.Current == nil || len(data.Current.ActionRequests) == 0 {
		return errors.New("pipeline: Resume called with no pending action requests")
	}
	requests := data.Current.ActionRequests
	if len(decisions) != len(requests) {
		return fmt.Errorf("pipeline: Resume expected %d decisions, got %d", len(requests), len(decisions))
	}

	results := make([]state.ToolResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		rd := decisions[i]
		if !allowedDecision(req.AllowedDecisions, rd.Decision) {
			return fmt.Errorf("pipeline: decision %q not allowed for tool call %s", rd.Decision, req.ToolCallID)
		}
		switch rd.Decision {
		case state.DecisionReject:
			results[i] = state.ToolResult{
				CallID:  req.ToolCallID,
				Name:    req.ToolName,
				Content: fmt.Sprintf("tool call %s was rejected by the user", req.ToolName),
				IsError: true,
			}
		case state.DecisionApprove, state.DecisionEdit:
			call := state.ToolCall{CallID: req.ToolCallID, Name: req.ToolName, Arguments: req.Arguments}
			if rd.Decision == state.DecisionEdit {
				if len(rd.Arguments) > 0 {
					call.Arguments = rd.Arguments
				}
				if rd.ToolName != "" {
					call.Name = rd.ToolName
				}
			}
			wg.Add(1)
			go func(i int, call state.ToolCall) {
				defer wg.Done()
				results[i] = p.dispatchTool(c.ctx, call, c.state)
			}(i, call)
		default:
			return fmt.Errorf("pipeline: unknown decision %q", rd.Decision)
		}
	}
	wg.Wait()

	for i, req := range requests {
		phase := "completed"
		if results[i].IsError {
			phase = "failed"
		}
		p.publish(c.ctx, PipelineEvent{Kind: "tool_execution_update", ToolPhase: phase, ToolInfo: &ToolEventInfo{
			CallID: req.ToolCallID, Name: req.ToolName, Arguments: req.Arguments, Result: &results[i],
		}})
	}

	c.state.AppendMessage(state.Message{Role: state.RoleTool, ToolResults: results})
	c.state.InterruptData = nil
	if len(data.PendingInterrupts) > 0 {
		next := data.PendingInterrupts[0]
		c.state.InterruptData = &state.InterruptData{Current: next, PendingInterrupts: data.PendingInterrupts[1:]}
	}
	return nil
}

func allowedDecision(allowed []state.Decision, d state.Decision) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == d {
			return true
		}
	}
	return false
}

// publish forwards an event to the configured EventPublisher, if any.
func (p *Pipeline) publish(ctx context.Context, ev PipelineEvent) {
	if p.cfg.Events != nil {
		p.cfg.Events.PublishEvent(ctx, ev)
	}
}
