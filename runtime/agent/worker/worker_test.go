package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/runtime/agent/hooks"
	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// scriptedModel replays a fixed queue of Responses, one per Complete call,
// blocking on release until the test lets a call proceed.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
	calls     int
	release   chan struct{}
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if i >= len(m.responses) {
		return &model.Response{}, nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("scriptedModel: streaming not used in tests")
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: text}},
	}}}
}

func newAgentConfig(client model.Client) *state.AgentConfig {
	return &state.AgentConfig{AgentID: "a1", ChatModel: client}
}

func newTestWorker(t *testing.T, llm model.Client, opts func(*Config)) (*Worker, *hooks.Bus) {
	t.Helper()
	bus := hooks.NewBus(nil)
	cfg := Config{
		AgentConfig:       newAgentConfig(llm),
		Bus:               bus,
		InactivityTimeout: time.Hour,
	}
	if opts != nil {
		opts(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop(context.Background(), hooks.ShutdownManual) })
	return w, bus
}

func waitForStatus(t *testing.T, w *Worker, want state.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s, err := w.ExportState(context.Background())
		require.NoError(t, err)
		_ = s
		var got state.Status
		err = w.enqueue(context.Background(), func() error { got = w.status; return nil })
		require.NoError(t, err)
		if got == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, last was %s", want, got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExecuteRunsToCompletionAndSettlesIdle(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("hi")}}
	w, bus := newTestWorker(t, llm, nil)

	var events []hooks.Event
	var mu sync.Mutex
	sub := bus.Subscribe(w.ID(), hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	}))
	defer sub.Close()

	require.NoError(t, w.Execute(context.Background()))
	waitForStatus(t, w, state.StatusIdle)

	s, err := w.ExportState(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, state.RoleAssistant, s.Messages[0].Role)

	mu.Lock()
	defer mu.Unlock()
	var sawRunning, sawIdle bool
	for _, ev := range events {
		if ev.Kind == hooks.KindStatusChanged && ev.StatusChanged != nil {
			if ev.StatusChanged.NewStatus == state.StatusRunning {
				sawRunning = true
			}
			if ev.StatusChanged.NewStatus == state.StatusIdle {
				sawIdle = true
			}
		}
	}
	assert.True(t, sawRunning, "expected a status_changed(running) event")
	assert.True(t, sawIdle, "expected a status_changed(idle) event")
}

func TestAddMessageTriggersExecuteWhenIdle(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("ack")}}
	w, _ := newTestWorker(t, llm, nil)

	err := w.AddMessage(context.Background(), state.Message{Role: state.RoleUser})
	require.NoError(t, err)
	waitForStatus(t, w, state.StatusIdle)

	s, err := w.ExportState(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)
}

func TestCancelSettlesIdleRegardlessOfPipelineOutcome(t *testing.T) {
	release := make(chan struct{})
	llm := &scriptedModel{responses: []*model.Response{textResponse("hi")}, release: release}
	w, _ := newTestWorker(t, llm, nil)

	require.NoError(t, w.Execute(context.Background()))
	waitForStatus(t, w, state.StatusRunning)

	require.NoError(t, w.Cancel(context.Background()))
	close(release)

	waitForStatus(t, w, state.StatusIdle)
}

func TestCancelRejectedWhenNotRunning(t *testing.T) {
	llm := &scriptedModel{}
	w, _ := newTestWorker(t, llm, nil)

	err := w.Cancel(context.Background())
	require.Error(t, err)
}

func TestExecuteRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	llm := &scriptedModel{responses: []*model.Response{textResponse("hi")}, release: release}
	w, _ := newTestWorker(t, llm, nil)

	require.NoError(t, w.Execute(context.Background()))
	waitForStatus(t, w, state.StatusRunning)

	err := w.Execute(context.Background())
	require.Error(t, err)

	close(release)
	waitForStatus(t, w, state.StatusIdle)
}

type fakePersistence struct {
	mu    sync.Mutex
	saved *state.SerializedState
	err   error
}

func (f *fakePersistence) Persist(ctx context.Context, agentID string, doc *state.SerializedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = doc
	return nil
}

func (f *fakePersistence) Load(ctx context.Context, agentID string) (*state.SerializedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, nil
}

func TestPersistenceCalledOnCompletionAndSwallowsErrors(t *testing.T) {
	llm := &scriptedModel{responses: []*model.Response{textResponse("hi")}}
	persist := &fakePersistence{err: errors.New("boom")}
	w, _ := newTestWorker(t, llm, func(c *Config) { c.Persistence = persist })

	require.NoError(t, w.Execute(context.Background()))
	waitForStatus(t, w, state.StatusIdle)

	// persistence failure must not surface as an error from Execute/ and
	// must not prevent the worker from settling Idle (already asserted).
	persist.mu.Lock()
	defer persist.mu.Unlock()
	assert.Nil(t, persist.saved)
}

func TestInactivityTimeoutShutsDownIdleWorker(t *testing.T) {
	llm := &scriptedModel{}
	bus := hooks.NewBus(nil)
	cfg := Config{
		AgentConfig:       newAgentConfig(llm),
		Bus:               bus,
		InactivityTimeout: 20 * time.Millisecond,
	}
	w, err := New(cfg)
	require.NoError(t, err)

	var gotShutdown bool
	var mu sync.Mutex
	sub := bus.Subscribe(w.ID(), hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.KindAgentShutdown {
			mu.Lock()
			gotShutdown = ev.ShutdownReason == hooks.ShutdownInactivity
			mu.Unlock()
		}
		return nil
	}))
	defer sub.Close()

	time.Sleep(100 * time.Millisecond)
	err = w.enqueue(context.Background(), func() error { return nil })
	require.Error(t, err, "worker should have shut down and rejected further commands")

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotShutdown)
}

type fakePresenceSub struct{ closed bool }

func (s *fakePresenceSub) Close() { s.closed = true }

type fakePresenceSource struct {
	onChange func(count int)
}

func (s *fakePresenceSource) Subscribe(topic string, onChange func(count int)) (PresenceSubscription, error) {
	s.onChange = onChange
	return &fakePresenceSub{}, nil
}

func TestPresenceGraceShutsDownWhenViewersDropToZero(t *testing.T) {
	llm := &scriptedModel{}
	src := &fakePresenceSource{}
	bus := hooks.NewBus(nil)
	cfg := Config{
		AgentConfig:       newAgentConfig(llm),
		Bus:               bus,
		InactivityTimeout: time.Hour,
		Presence: &PresenceConfig{
			Source:       src,
			Topic:        "agent:a1",
			GraceTimeout: 10 * time.Millisecond,
		},
	}
	w, err := New(cfg)
	require.NoError(t, err)

	var gotShutdown bool
	var mu sync.Mutex
	sub := bus.Subscribe(w.ID(), hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.KindAgentShutdown {
			mu.Lock()
			gotShutdown = ev.ShutdownReason == hooks.ShutdownNoViewers
			mu.Unlock()
		}
		return nil
	}))
	defer sub.Close()

	require.NotNil(t, src.onChange)
	src.onChange(0)

	deadline := time.After(2 * time.Second)
	for {
		err := w.enqueue(context.Background(), func() error { return nil })
		if err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for presence-triggered shutdown")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotShutdown)
}

func TestPresenceGraceCanceledByReturningViewer(t *testing.T) {
	llm := &scriptedModel{}
	src := &fakePresenceSource{}
	bus := hooks.NewBus(nil)
	cfg := Config{
		AgentConfig:       newAgentConfig(llm),
		Bus:               bus,
		InactivityTimeout: time.Hour,
		Presence: &PresenceConfig{
			Source:       src,
			Topic:        "agent:a1",
			GraceTimeout: 20 * time.Millisecond,
		},
	}
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop(context.Background(), hooks.ShutdownManual) })

	require.NotNil(t, src.onChange)
	src.onChange(0)
	time.Sleep(5 * time.Millisecond)
	src.onChange(1)

	time.Sleep(40 * time.Millisecond)
	err = w.enqueue(context.Background(), func() error { return nil })
	assert.NoError(t, err, "worker should still be alive; a returning viewer must cancel the grace timer")
}

func TestCommandHandlerPanicCrashesWorker(t *testing.T) {
	llm := &scriptedModel{}
	bus := hooks.NewBus(nil)
	w, err := New(Config{AgentConfig: newAgentConfig(llm), Bus: bus, InactivityTimeout: time.Hour})
	require.NoError(t, err)

	var gotCrash bool
	var mu sync.Mutex
	sub := bus.Subscribe(w.ID(), hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		if ev.Kind == hooks.KindAgentShutdown {
			mu.Lock()
			gotCrash = ev.ShutdownReason == hooks.ShutdownCrash
			mu.Unlock()
		}
		return nil
	}))
	defer sub.Close()

	w.deliver(func() { panic("boom") })

	deadline := time.After(2 * time.Second)
	for {
		err := w.enqueue(context.Background(), func() error { return nil })
		if err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for crash shutdown")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotCrash)
}

func TestPublishEventAdaptsPipelineEventKinds(t *testing.T) {
	ev := adaptPipelineEvent("a1", time.Now(), pipeline.PipelineEvent{
		Kind:       "llm_message",
		LLMMessage: &state.Message{Role: state.RoleAssistant},
	})
	assert.Equal(t, hooks.KindLLMMessage, ev.Kind)
	require.NotNil(t, ev.LLMMessage)
	assert.Equal(t, state.RoleAssistant, ev.LLMMessage.Role)

	toolEv := adaptPipelineEvent("a1", time.Now(), pipeline.PipelineEvent{
		Kind:      "tool_execution_update",
		ToolPhase: "completed",
		ToolInfo:  &pipeline.ToolEventInfo{CallID: "c1", Name: "echo"},
	})
	assert.Equal(t, hooks.KindToolExecutionUpdate, toolEv.Kind)
	assert.Equal(t, hooks.ToolExecutionCompleted, toolEv.ToolPhase)
	require.NotNil(t, toolEv.ToolInfo)
	assert.Equal(t, "echo", toolEv.ToolInfo.Name)
}
