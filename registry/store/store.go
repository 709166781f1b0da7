// Package store defines the persistence layer interface for the spec's
// Registry component (§4.1): a pluggable local/clustered map from a
// structured Key to a worker Handle.
//
// This replaces the teacher's toolset-discovery Store (SaveToolset/
// GetToolset/ListToolsets/SearchToolsets, keyed on a generated
// genregistry.Toolset) with the spec's generic placement contract — the
// underlying shape (an interface narrow enough to be satisfied by both an
// in-memory map and a Pulse replicated map) is kept unchanged.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no registered handle.
var ErrNotFound = errors.New("registry: key not found")

// Variant discriminates the kind of worker a Key identifies (§4.1).
type Variant string

const (
	// VariantAgentWorker identifies a top-level AgentWorker(id).
	VariantAgentWorker Variant = "agent_worker"
	// VariantAgentSupervisor identifies the per-agent supervisor created by
	// Placement.StartAgent.
	VariantAgentSupervisor Variant = "agent_supervisor"
	// VariantSubAgentSupervisor identifies the supervisor for one worker's
	// sub-agent children.
	VariantSubAgentSupervisor Variant = "sub_agent_supervisor"
	// VariantFilesystemWorker identifies a scoped filesystem worker.
	VariantFilesystemWorker Variant = "filesystem_worker"
)

// Key is a tagged tuple (variant + identifier) naming one registrable
// worker. Keys compare by value so they can be used as map keys directly.
type Key struct {
	Variant Variant
	ID      string
}

// String renders k in the "variant(id)" form used in logs and errors.
func (k Key) String() string {
	return string(k.Variant) + "(" + k.ID + ")"
}

// Handle is an opaque reference to the live worker owning a Key. NodeID is
// empty in local (single-node) deployments; Address is backend-specific
// (e.g., a Temporal workflow id, or a process-local channel token) and is
// never interpreted by the Registry itself.
type Handle struct {
	Key     Key
	NodeID  string
	Address string
}

// Store is the narrow persistence contract the Registry composes into its
// local or clustered backend. Implementations must be safe for concurrent
// use and must enforce unique-key semantics: Register checks the current
// owner before writing, never a blind overwrite (§4.1 "at most one live
// worker per key"). The memory backend does this under a lock; the
// replicated backend's check is optimistic, not an atomic compare-and-set
// (see replicated.Store.Register).
type Store interface {
	// Register stores handle under key if no live handle is currently
	// registered for it. Returns the handle that ends up owning the key
	// (either the new one, or the existing one when alreadyStarted is
	// true) so callers can implement Placement's start_agent idempotence
	// (§4.2).
	Register(ctx context.Context, key Key, handle Handle) (owner Handle, alreadyStarted bool, err error)

	// Lookup resolves key to its current owner. Returns ErrNotFound if
	// unregistered. In clustered backends this is advisory: a short
	// convergence window after node join/leave is acceptable (§4.1).
	Lookup(ctx context.Context, key Key) (Handle, error)

	// Deregister removes key's registration. Returns ErrNotFound if the key
	// was not registered. Idempotent calls after a prior successful
	// deregistration should not be retried by callers expecting success.
	Deregister(ctx context.Context, key Key) error

	// Keys lists every registered key whose Variant matches variant. An
	// empty variant lists all keys.
	Keys(ctx context.Context, variant Variant) ([]Key, error)

	// Count returns the number of currently registered keys.
	Count(ctx context.Context) (int, error)
}
