package placement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/registry"
	"github.com/sagents-ai/sagents/registry/store"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	stopped  []string
	reg      *registry.Registry
	// delay simulates the time between Launch returning and the worker
	// registering its own key, mirroring a real async workflow start.
	delay time.Duration
}

func (f *fakeLauncher) Launch(ctx context.Context, cfg *state.AgentConfig) error {
	f.mu.Lock()
	f.launched = append(f.launched, cfg.AgentID)
	f.mu.Unlock()
	go func() {
		time.Sleep(f.delay)
		key := store.Key{Variant: store.VariantAgentWorker, ID: cfg.AgentID}
		_, _, _ = f.reg.Register(context.Background(), key, store.Handle{Key: key, Address: "local"})
	}()
	return nil
}

func (f *fakeLauncher) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	return nil
}

func newTestPlacement(t *testing.T, delay time.Duration) (*Placement, *fakeLauncher) {
	t.Helper()
	reg, err := registry.New(context.Background(), registry.Config{})
	require.NoError(t, err)
	l := &fakeLauncher{reg: reg, delay: delay}
	p := New(reg, l)
	p.PollCap = 10 * time.Millisecond
	p.DefaultDeadline = 500 * time.Millisecond
	return p, l
}

func TestStartAgentWaitsForRegistrationThenReturnsHandle(t *testing.T) {
	p, l := newTestPlacement(t, 20*time.Millisecond)
	h, err := p.StartAgent(context.Background(), &state.AgentConfig{AgentID: "a1"})
	require.NoError(t, err)
	assert.False(t, h.AlreadyStarted)
	assert.Equal(t, "local", h.Address)
	assert.Equal(t, []string{"a1"}, l.launched)
}

func TestStartAgentReturnsAlreadyStartedWithoutLaunching(t *testing.T) {
	p, l := newTestPlacement(t, 0)
	ctx := context.Background()
	key := store.Key{Variant: store.VariantAgentWorker, ID: "a1"}
	_, _, err := p.reg.Register(ctx, key, store.Handle{Key: key, Address: "remote-node"})
	require.NoError(t, err)

	h, err := p.StartAgent(ctx, &state.AgentConfig{AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, h.AlreadyStarted)
	assert.Equal(t, "remote-node", h.Address)
	assert.Empty(t, l.launched)
}

func TestStartAgentTimesOutWhenWorkerNeverRegisters(t *testing.T) {
	p, _ := newTestPlacement(t, time.Hour)
	_, err := p.StartAgent(context.Background(), &state.AgentConfig{AgentID: "a1"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestListAndCountAgents(t *testing.T) {
	p, _ := newTestPlacement(t, 0)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		key := store.Key{Variant: store.VariantAgentWorker, ID: id}
		_, _, err := p.reg.Register(ctx, key, store.Handle{Key: key})
		require.NoError(t, err)
	}

	count, err := p.CountAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	keys, err := p.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestStopAgentDelegatesToLauncher(t *testing.T) {
	p, l := newTestPlacement(t, 0)
	require.NoError(t, p.StopAgent(context.Background(), "a1"))
	assert.Equal(t, []string{"a1"}, l.stopped)
}
