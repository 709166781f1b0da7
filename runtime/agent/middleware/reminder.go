package middleware

import (
	"context"
	"fmt"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/reminder"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// ReminderConfig binds a shared *reminder.Engine to one AgentConfig's
// middleware stack, using AgentID as the engine's run identifier.
type ReminderConfig struct {
	Engine  *reminder.Engine
	AgentID string
}

// Reminder is the built-in middleware adapting runtime/agent/reminder's
// run-scoped reminder Engine into the spec's before_model hook: on every
// call it takes the engine's snapshot for this run and, if non-empty,
// appends a system-role message carrying the reminder text (each reminder
// wrapped in <system-reminder> tags) to the end of the message history, so
// the next call_llm sees it after the existing messages.
type Reminder struct{}

// Name implements Module.
func (Reminder) Name() string { return "reminder" }

// Init implements Module. opts["engine"] must be a *reminder.Engine and
// opts["agent_id"] a non-empty string.
func (Reminder) Init(opts map[string]any) (Hooks, any, error) {
	eng, _ := opts["engine"].(*reminder.Engine)
	if eng == nil {
		return Hooks{}, nil, fmt.Errorf("reminder: opts[\"engine\"] must be a *reminder.Engine")
	}
	agentID, _ := opts["agent_id"].(string)
	if agentID == "" {
		return Hooks{}, nil, fmt.Errorf("reminder: opts[\"agent_id\"] is required")
	}
	cfg := &ReminderConfig{Engine: eng, AgentID: agentID}
	hooks := Hooks{
		SystemPrompt: func(any) []string { return []string{reminder.DefaultExplanation} },
		BeforeModel:  reminderBeforeModel,
	}
	return hooks, cfg, nil
}

func reminderBeforeModel(_ context.Context, s *state.State, config any) (*state.State, error) {
	cfg, ok := config.(*ReminderConfig)
	if !ok || cfg == nil {
		return s, nil
	}
	snap := cfg.Engine.Snapshot(cfg.AgentID)
	if len(snap) == 0 {
		return s, nil
	}
	text := ""
	for _, r := range snap {
		text += "<system-reminder>" + r.Text + "</system-reminder>\n"
	}
	s.AppendMessage(state.Message{
		Role:  state.RoleSystem,
		Parts: []model.Part{model.TextPart{Text: text}},
	})
	return s, nil
}
