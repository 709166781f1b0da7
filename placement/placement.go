// Package placement implements the Placement component (L2, §4.2):
// start_agent/stop_agent/list_agents/count_agents over the Registry (L1).
//
// Placement owns no state of its own beyond a launcher callback and a
// Registry handle; "starting an agent" means registering its
// AgentSupervisor key, launching the supervisor's children (the
// AgentWorker itself and its SubAgentSupervisor), and waiting — with
// bounded exponential backoff — until the AgentWorker has registered its
// own key, so callers never observe a handle for a worker that isn't yet
// reachable.
//
// Grounded on runtime/agent/engine.Engine.StartWorkflow/WorkflowHandle: in
// the teacher's shape, placing a unit of durable work means starting a
// workflow and getting back a handle to interact with it. Launch plays
// that role here without requiring a concrete Engine import, so Placement
// stays usable with any AgentWorker launch strategy (Temporal workflow,
// in-memory goroutine, or a test double).
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sagents-ai/sagents/registry"
	"github.com/sagents-ai/sagents/registry/store"
	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// ErrTimeout is returned by StartAgent when the AgentWorker does not
// register its own key within the configured deadline (§4.2
// "{error, timeout}").
var ErrTimeout = errors.New("placement: timed out waiting for agent to register")

type (
	// Launcher starts the per-agent supervision tree for one AgentConfig:
	// the AgentSupervisor process, the AgentWorker underneath it, and the
	// SubAgentSupervisor underneath that (rest-for-one, §4.2). Launch must
	// return promptly; the AgentWorker registering its own
	// store.VariantAgentWorker key happens asynchronously, and StartAgent
	// polls the Registry for it separately.
	//
	// Launch is idempotent from Placement's point of view: if it is called
	// for a key that is already running (elsewhere, in clustered mode),
	// implementations may return immediately without error — the eventual
	// owner is resolved by the Registry poll loop, not by Launch's return
	// value.
	Launcher interface {
		Launch(ctx context.Context, cfg *state.AgentConfig) error

		// Stop terminates the supervision tree for id gracefully.
		Stop(ctx context.Context, id string) error
	}

	// Placement wires a Registry and a Launcher into the spec's
	// start_agent/stop_agent/list_agents/count_agents surface.
	Placement struct {
		reg      *registry.Registry
		launcher Launcher

		// PollCap bounds the exponential-backoff poll interval used while
		// waiting for an AgentWorker to register. Defaults to 100ms (§4.2).
		PollCap time.Duration
		// DefaultDeadline bounds the total time StartAgent waits for
		// registration when the caller does not supply one via context.
		// Defaults to 5s (§4.2).
		DefaultDeadline time.Duration
	}

	// Handle is returned by StartAgent: the resolved AgentWorker owner,
	// plus whether it was already running when StartAgent was called.
	Handle struct {
		store.Handle
		AlreadyStarted bool
	}
)

// New constructs a Placement over reg and launcher with spec-default
// timing (100ms poll cap, 5s default deadline).
func New(reg *registry.Registry, launcher Launcher) *Placement {
	return &Placement{
		reg:             reg,
		launcher:        launcher,
		PollCap:         100 * time.Millisecond,
		DefaultDeadline: 5 * time.Second,
	}
}

// StartAgent creates a per-agent supervisor for cfg, launches its
// children, and blocks until the AgentWorker identified by cfg.AgentID has
// registered its own key — or ctx carries a deadline/the DefaultDeadline
// elapses, whichever is sooner (§4.2). If the Registry already resolves the
// key before Launch is called (for example another node owns it in
// clustered mode), StartAgent returns that owner's Handle with
// AlreadyStarted set rather than erroring. An owner found by the poll after
// Launch is returned with AlreadyStarted false: the poll does not tell
// this launch's registration apart from another node's.
func (p *Placement) StartAgent(ctx context.Context, cfg *state.AgentConfig) (Handle, error) {
	key := store.Key{Variant: store.VariantAgentWorker, ID: cfg.AgentID}

	if existing, err := p.reg.Via(ctx, key); err == nil {
		return Handle{Handle: existing, AlreadyStarted: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Handle{}, fmt.Errorf("placement: lookup %s before launch: %w", key, err)
	}

	if err := p.launcher.Launch(ctx, cfg); err != nil {
		return Handle{}, fmt.Errorf("placement: launch %s: %w", key, err)
	}

	deadline := p.DefaultDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	h, err := p.awaitRegistration(waitCtx, key)
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

// awaitRegistration polls the Registry for key with exponential backoff
// capped at p.PollCap (default 100ms), returning ErrTimeout if ctx expires
// first.
func (p *Placement) awaitRegistration(ctx context.Context, key store.Key) (Handle, error) {
	backoffCap := p.PollCap
	if backoffCap <= 0 {
		backoffCap = 100 * time.Millisecond
	}
	backoff := 5 * time.Millisecond
	for {
		h, err := p.reg.Via(ctx, key)
		if err == nil {
			return Handle{Handle: h}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Handle{}, fmt.Errorf("placement: poll %s: %w", key, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Handle{}, fmt.Errorf("%w: %s", ErrTimeout, key)
		case <-timer.C:
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// StopAgent terminates the supervisor for id gracefully (§4.2
// stop_agent(id)).
func (p *Placement) StopAgent(ctx context.Context, id string) error {
	return p.launcher.Stop(ctx, id)
}

// ListAgents iterates the Registry for every registered AgentWorker key
// (§4.2 list_agents()).
func (p *Placement) ListAgents(ctx context.Context) ([]store.Key, error) {
	return p.reg.Keys(ctx, store.VariantAgentWorker)
}

// CountAgents counts registered AgentWorker keys (§4.2 count_agents()).
func (p *Placement) CountAgents(ctx context.Context) (int, error) {
	keys, err := p.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
