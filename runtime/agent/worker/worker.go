// Package worker implements the AgentWorker component (L7, §4.7): the
// single-writer owner of one (AgentConfig, State) pair, exposing an
// asynchronous command interface serviced by one dedicated goroutine per
// worker.
//
// There is no direct teacher equivalent for the mailbox itself: the
// teacher's Runtime hosts each agent as a Temporal workflow, which gets its
// single-writer guarantee from Temporal's own deterministic execution
// model rather than from an explicit command queue. §9's design notes call
// for exactly the construction used here instead — "a bounded channel plus
// a goroutine/task" — so this package builds a plain Go actor: every public
// method enqueues a closure onto a channel that one run() goroutine
// drains, and that goroutine is the only code that ever touches the
// worker's State, Status, or pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sagents-ai/sagents/runtime/agent/agentcontext"
	"github.com/sagents-ai/sagents/runtime/agent/hooks"
	"github.com/sagents-ai/sagents/runtime/agent/middleware"
	"github.com/sagents-ai/sagents/runtime/agent/pipeline"
	"github.com/sagents-ai/sagents/runtime/agent/state"
	"github.com/sagents-ai/sagents/runtime/agent/telemetry"
)

// ErrStopped is returned by any command enqueued after the worker has shut
// down.
var ErrStopped = errors.New("worker: worker has shut down")

// Sentinel errors for the status-precondition checks in commands.go (§7's
// error table), tested with errors.Is rather than string matching, following
// the teacher's run.ErrNotFound / session.ErrSessionNotFound convention.
var (
	// ErrNotIdle is returned by execute() when the worker is neither Idle
	// nor Error, and by update_agent_and_state() when it is not Idle.
	ErrNotIdle = errors.New("worker: not idle")
	// ErrNotRunning is returned by cancel() when the worker is not Running.
	ErrNotRunning = errors.New("worker: not running")
	// ErrNotInterrupted is returned by resume() when the worker is not
	// Interrupted.
	ErrNotInterrupted = errors.New("worker: not interrupted")
)

// defaultInactivityTimeout matches §5's explicit default ("Inactivity
// timeout is configurable (default 5 min)").
const defaultInactivityTimeout = 5 * time.Minute

// defaultPresenceGrace matches §4.7's presence-based shutdown default.
const defaultPresenceGrace = 5 * time.Second

type (
	// PersistContext names why a persistence callback fired (§4.7).
	PersistContext string

	// AgentPersistence serializes and restores a worker's whole State.
	AgentPersistence interface {
		Persist(ctx context.Context, agentID string, doc *state.SerializedState) error
		Load(ctx context.Context, agentID string) (*state.SerializedState, error)
	}

	// DisplayMessagePersistence persists the user-facing projection of a
	// run and tool execution status, independent of AgentPersistence.
	DisplayMessagePersistence interface {
		SaveMessage(ctx context.Context, agentID string, item state.DisplayItem) error
		SaveBatch(ctx context.Context, agentID string, items []state.DisplayItem) error
	}

	// PresenceSubscription is one active viewer-count registration.
	PresenceSubscription interface {
		Close()
	}

	// PresenceSource supplies viewer-count change notifications for a
	// topic. A concrete implementation typically bridges to a pub/sub
	// transport (e.g. goa.design/pulse's streaming support, already used
	// elsewhere in this tree for clustered registry); the worker package
	// only depends on this interface so it never imports a transport
	// directly, mirroring how placement.Launcher decouples Placement from
	// any concrete Engine.
	PresenceSource interface {
		Subscribe(topic string, onChange func(count int)) (PresenceSubscription, error)
	}

	// PresenceConfig enables presence-based shutdown (§4.7).
	PresenceConfig struct {
		Source PresenceSource
		Topic  string
		// GraceTimeout defaults to 5s.
		GraceTimeout time.Duration
		// UpdateInterval bounds how often a raw viewer-count update is
		// processed. Zero (the default) disables throttling entirely:
		// every update applies immediately. When set, updates arriving
		// faster than this are coalesced, not dropped — the latest
		// count always eventually reaches onPresenceChange, just
		// possibly a window later than the raw callback fired.
		UpdateInterval time.Duration
	}

	// Config constructs one Worker. AgentConfig carries only user-supplied
	// Tools and BaseSystemPrompt; New assembles the final tool set and
	// system prompt from the Middleware stack per §4.5 before building the
	// pipeline.
	Config struct {
		AgentConfig    *state.AgentConfig
		MiddlewareOpts []map[string]any
		ToolHandlers   pipeline.ToolHandlers
		Bus            *hooks.Bus

		// InitialState defaults to a fresh state.NewState(AgentID).
		InitialState *state.State

		Persistence        AgentPersistence
		DisplayPersistence DisplayMessagePersistence

		// InactivityTimeout defaults to 5 minutes (§5).
		InactivityTimeout time.Duration
		Presence          *PresenceConfig

		Logger telemetry.Logger
		// Now defaults to time.Now; overridable for deterministic tests.
		Now func() time.Time

		// MailboxSize bounds the command channel; defaults to 32.
		MailboxSize int
	}

	// Worker is the single-writer AgentWorker. All exported methods are
	// safe for concurrent use; they synchronize through the mailbox.
	Worker struct {
		id      string
		mailbox chan func()
		stopCh  chan struct{}

		agentCfg     *state.AgentConfig
		resolvedMW   []middleware.ResolvedEntry
		toolHandlers pipeline.ToolHandlers
		pipeline     *pipeline.Pipeline

		state  *state.State
		status state.Status

		bus          *hooks.Bus
		agentContext *agentcontext.Context

		persistence        AgentPersistence
		displayPersistence DisplayMessagePersistence

		inactivityTimeout time.Duration
		inactivityTimer   *time.Timer

		presence           *PresenceConfig
		presenceSub        PresenceSubscription
		presenceThrottle   *presenceThrottle
		presenceGraceTimer *time.Timer
		viewerCount        int

		// runCancel cancels the in-flight pipeline task's context; nil
		// when Status is not Running.
		runCancel context.CancelFunc
		// cancelRequested backs check_pause for the in-flight run; reset to
		// false at the start of every execute()/resume().
		cancelRequested bool

		logger telemetry.Logger
		now    func() time.Time
	}
)

const (
	// PersistOnCompletion fires when a top-level run ends OK.
	PersistOnCompletion PersistContext = "on_completion"
	// PersistOnError fires when a top-level run ends in Error.
	PersistOnError PersistContext = "on_error"
	// PersistOnInterrupt fires when a top-level run ends Interrupted.
	PersistOnInterrupt PersistContext = "on_interrupt"
	// PersistOnTitleGenerated names the title-generation persist context.
	// The worker itself never persists under it: SendMiddlewareMessage
	// only updates State.
	PersistOnTitleGenerated PersistContext = "on_title_generated"
	// PersistOnShutdown fires on a best-effort final persist ahead of
	// shutdown (skipped for ShutdownCrash).
	PersistOnShutdown PersistContext = "on_shutdown"
)

// New constructs a Worker, resolves its middleware stack, assembles the
// final tool set and system prompt (§4.5), builds its ExecutionPipeline
// (§4.6), and starts the command loop goroutine. Callers obtain a
// worker.Config's AgentConfig pre-populated with only the agent's own
// tools and middleware list; New performs the assembly step, and
// UpdateAgentAndState repeats it for a replacement config.
func New(cfg Config) (*Worker, error) {
	if cfg.AgentConfig == nil {
		return nil, errors.New("worker: Config.AgentConfig is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("worker: Config.Bus is required")
	}

	resolved, err := middleware.Resolve(cfg.AgentConfig.Middleware, cfg.MiddlewareOpts)
	if err != nil {
		return nil, fmt.Errorf("worker: resolve middleware: %w", err)
	}
	assembledTools, err := middleware.AssembleTools(cfg.AgentConfig.Tools, resolved)
	if err != nil {
		return nil, fmt.Errorf("worker: assemble tools: %w", err)
	}

	var prompts []string
	for _, e := range resolved {
		if e.Hooks.SystemPrompt == nil {
			continue
		}
		prompts = append(prompts, e.Hooks.SystemPrompt(e.Config)...)
	}

	agentCfg := *cfg.AgentConfig
	agentCfg.Tools = assembledTools
	agentCfg.AssembledSystemPrompt = state.AssembleSystemPrompt(cfg.AgentConfig.BaseSystemPrompt, prompts)

	w := &Worker{
		id:                 agentCfg.AgentID,
		mailbox:            make(chan func(), mailboxSize(cfg.MailboxSize)),
		stopCh:             make(chan struct{}),
		agentCfg:           &agentCfg,
		resolvedMW:         resolved,
		toolHandlers:       cfg.ToolHandlers,
		bus:                cfg.Bus,
		agentContext:       agentcontext.New(),
		persistence:        cfg.Persistence,
		displayPersistence: cfg.DisplayPersistence,
		inactivityTimeout:  cfg.InactivityTimeout,
		presence:           cfg.Presence,
		logger:             cfg.Logger,
		now:                cfg.Now,
		status:             state.StatusIdle,
	}
	if w.inactivityTimeout <= 0 {
		w.inactivityTimeout = defaultInactivityTimeout
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	if w.now == nil {
		w.now = time.Now
	}
	if cfg.InitialState != nil {
		w.state = cfg.InitialState
	} else {
		w.state = state.NewState(agentCfg.AgentID)
	}

	p, err := pipeline.New(pipeline.Config{
		Agent:       w.agentCfg,
		Middleware:  resolved,
		Tools:       cfg.ToolHandlers,
		Events:      w,
		ShouldPause: func() bool { return w.cancelRequested },
		Now:         w.now,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: build pipeline: %w", err)
	}
	w.pipeline = p

	for _, e := range resolved {
		if e.Hooks.OnServerStart == nil {
			continue
		}
		next, err := e.Hooks.OnServerStart(context.Background(), w.state, e.Config)
		if err != nil {
			return nil, fmt.Errorf("worker: middleware %q OnServerStart: %w", e.ID, err)
		}
		if next != nil {
			w.state = next
		}
	}

	if w.presence != nil && w.presence.Source != nil {
		w.presenceThrottle = newPresenceThrottle(w.presence.UpdateInterval, func(count int) {
			w.deliver(func() { w.onPresenceChange(count) })
		})
		sub, err := w.presence.Source.Subscribe(w.presence.Topic, w.presenceThrottle.Update)
		if err != nil {
			return nil, fmt.Errorf("worker: subscribe presence: %w", err)
		}
		w.presenceSub = sub
	}

	go w.run()
	return w, nil
}

func mailboxSize(n int) int {
	if n <= 0 {
		return 32
	}
	return n
}

// ID returns the worker's stable agent id.
func (w *Worker) ID() string { return w.id }

// run is the single goroutine that owns every mutable field on w. All
// state access outside of this goroutine happens exclusively through
// enqueue/deliver.
func (w *Worker) run() {
	w.inactivityTimer = time.NewTimer(w.inactivityTimeout)
	defer w.inactivityTimer.Stop()
	defer func() {
		if w.presenceSub != nil {
			w.presenceSub.Close()
		}
	}()

	for {
		select {
		case fn, ok := <-w.mailbox:
			if !ok {
				return
			}
			w.runCommand(fn)
		case <-w.inactivityTimer.C:
			w.onInactivityTimeout()
		case <-w.presenceGraceC():
			w.onPresenceGraceExpired()
		case <-w.stopCh:
			return
		}
	}
}

// runCommand executes one mailbox closure. A panic escaping it is §4.7's
// "uncaught exception in the command handler itself": it is logged and the
// worker crashes (shuts down with ShutdownCrash) rather than taking down
// the hosting process, leaving the owner app's supervisor to restart it.
func (w *Worker) runCommand(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(context.Background(), "worker: command handler panicked; crashing worker",
				"agent_id", w.id, "panic", fmt.Sprintf("%v", r))
			w.shutdown(hooks.ShutdownCrash)
		}
	}()
	fn()
}

// enqueue sends fn to the mailbox and blocks until it has run, propagating
// ctx cancellation on either side of the round trip.
func (w *Worker) enqueue(ctx context.Context, fn func() error) error {
	select {
	case <-w.stopCh:
		return ErrStopped
	default:
	}
	errCh := make(chan error, 1)
	select {
	case w.mailbox <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver is the fire-and-forget counterpart to enqueue, used by
// goroutines (the pipeline task, a presence callback) that need to hand a
// closure to the mailbox goroutine without waiting for it to run.
func (w *Worker) deliver(fn func()) {
	select {
	case w.mailbox <- fn:
	case <-w.stopCh:
	}
}

func (w *Worker) resetInactivity() {
	if w.inactivityTimer == nil {
		return
	}
	if !w.inactivityTimer.Stop() {
		select {
		case <-w.inactivityTimer.C:
		default:
		}
	}
	w.inactivityTimer.Reset(w.inactivityTimeout)
}

func (w *Worker) onInactivityTimeout() {
	if w.status != state.StatusIdle {
		w.resetInactivity()
		return
	}
	w.shutdown(hooks.ShutdownInactivity)
}

func (w *Worker) presenceGraceC() <-chan time.Time {
	if w.presenceGraceTimer == nil {
		return nil
	}
	return w.presenceGraceTimer.C
}

func (w *Worker) onPresenceChange(count int) {
	w.viewerCount = count
	if count > 0 {
		if w.presenceGraceTimer != nil {
			w.presenceGraceTimer.Stop()
			w.presenceGraceTimer = nil
		}
		return
	}
	w.maybeStartPresenceGrace()
}

func (w *Worker) maybeStartPresenceGrace() {
	if w.presence == nil || w.status != state.StatusIdle || w.viewerCount > 0 || w.presenceGraceTimer != nil {
		return
	}
	grace := w.presence.GraceTimeout
	if grace <= 0 {
		grace = defaultPresenceGrace
	}
	w.presenceGraceTimer = time.NewTimer(grace)
}

func (w *Worker) onPresenceGraceExpired() {
	w.presenceGraceTimer = nil
	if w.status != state.StatusIdle || w.viewerCount > 0 {
		return
	}
	w.shutdown(hooks.ShutdownNoViewers)
}

// setStatus transitions Status and publishes status_changed (§4.4). It runs
// on the mailbox goroutine; for a finished run it is called from
// onPipelineDone, which runs only after the pipeline task has returned, so
// status_changed(Interrupted) is published after that task has stopped
// running, not before.
func (w *Worker) setStatus(s state.Status, detail string) {
	w.status = s
	w.bus.Publish(context.Background(), hooks.Event{
		Kind:      hooks.KindStatusChanged,
		AgentID:   w.id,
		Timestamp: w.now(),
		StatusChanged: &hooks.StatusChangedPayload{
			NewStatus: s,
			Detail:    detail,
		},
	})
	if s == state.StatusIdle {
		w.maybeStartPresenceGrace()
	}
}

// shutdown publishes agent_shutdown, attempts a best-effort final persist
// (skipped for crash), and stops the command loop. reason is one of §4.4's
// closed ShutdownReason set.
func (w *Worker) shutdown(reason hooks.ShutdownReason) {
	w.bus.Publish(context.Background(), hooks.Event{
		Kind:           hooks.KindAgentShutdown,
		AgentID:        w.id,
		Timestamp:      w.now(),
		ShutdownReason: reason,
	})
	if reason != hooks.ShutdownCrash {
		w.persist(context.Background(), PersistOnShutdown)
	}
	close(w.stopCh)
}

// persist invokes AgentPersistence.Persist, logging failures without
// propagating them to command handling (§4.7).
func (w *Worker) persist(ctx context.Context, pc PersistContext) {
	if w.persistence == nil {
		return
	}
	if err := w.persistence.Persist(ctx, w.id, w.state.ToSerialized()); err != nil {
		w.logger.Error(ctx, "worker: persist failed", "agent_id", w.id, "context", string(pc), "error", err.Error())
	}
}
