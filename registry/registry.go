// Package registry provides the Registry component (§4.1): a pluggable
// local or clustered name service mapping structured Keys to worker
// Handles. It is the only shared mutable data structure in the runtime —
// every other component either owns its state outright (Context) or
// tolerates eventual consistency by construction (EventBus, the clustered
// Store backend here).
//
// Two backends satisfy the same store.Store contract:
//
//   - local: an in-process map (store/memory), used for single-node
//     deployments and tests.
//   - clustered: a Pulse replicated map (store/replicated) over Redis,
//     used for multi-node deployments. Multiple Registry instances with the
//     same Name and Redis connection join the same rmap and observe each
//     other's registrations as the map converges.
//
// Call New with Config.Clustered set to select the clustered backend.
// Configuration is validated eagerly: a clustered request without a Redis
// client, or with an empty Name, fails New outright rather than surfacing
// the problem on first use.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/sagents-ai/sagents/registry/store"
	"github.com/sagents-ai/sagents/registry/store/memory"
	"github.com/sagents-ai/sagents/registry/store/replicated"
)

type (
	// Registry is the main entry point for key-to-handle placement lookup.
	// A Registry wraps exactly one store.Store backend (local or
	// clustered) chosen at construction time.
	Registry struct {
		name        string
		st          store.Store
		registryMap *rmap.Map // nil in local mode
	}

	// Config selects and configures a Registry backend.
	Config struct {
		// Name identifies this registry for Pulse resource naming when
		// Clustered is true. Multiple nodes with the same Name and Redis
		// connection form one cluster. Required when Clustered is true.
		Name string
		// Clustered selects the replicated-map backend. When false, New
		// returns a local, in-process Registry and Redis is ignored.
		Clustered bool
		// Redis is the client used to join the replicated map. Required
		// when Clustered is true.
		Redis *redis.Client
		// Store overrides the backend store entirely. When set, Clustered
		// and Redis are ignored. Mainly useful for tests.
		Store store.Store
	}
)

// New validates cfg and constructs a Registry. It fails fast: a malformed
// clustered configuration (missing Redis, empty Name) is rejected here
// rather than deferred to the first Register/Lookup call (§4.1
// "Configuration validation fails fast at startup").
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store != nil {
		return &Registry{name: cfg.Name, st: cfg.Store}, nil
	}
	if !cfg.Clustered {
		return &Registry{name: cfg.Name, st: memory.New()}, nil
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("registry: clustered mode requires a non-empty Name")
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("registry: clustered mode requires a Redis client")
	}
	registryMap, err := rmap.Join(ctx, name+":keys", cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("registry: join replicated map: %w", err)
	}
	return &Registry{
		name:        name,
		st:          replicated.New(registryMap),
		registryMap: registryMap,
	}, nil
}

// Close releases resources held by a clustered Registry. It is a no-op in
// local mode.
func (r *Registry) Close() error {
	if r.registryMap != nil {
		r.registryMap.Close()
	}
	return nil
}

// Register records handle as the owner of key, unless another owner is
// already registered, in which case the existing owner is returned with
// alreadyStarted set. This is the primitive Placement.start_agent builds
// its idempotence on (§4.2).
func (r *Registry) Register(ctx context.Context, key store.Key, handle store.Handle) (owner store.Handle, alreadyStarted bool, err error) {
	return r.st.Register(ctx, key, handle)
}

// Deregister removes key's registration.
func (r *Registry) Deregister(ctx context.Context, key store.Key) error {
	return r.st.Deregister(ctx, key)
}

// Via resolves key to its current owning Handle. It is the spec's
// `via(key) → handle` (§4.1): an error (including store.ErrNotFound) means
// no live worker currently owns key.
func (r *Registry) Via(ctx context.Context, key store.Key) (store.Handle, error) {
	return r.st.Lookup(ctx, key)
}

// Lookup resolves key to its current owner, wrapped in a single-element
// slice per the spec's `lookup(key) → [handle]` (§4.1): an unregistered key
// yields an empty slice rather than an error, since in clustered mode "not
// found" and "not yet converged" are indistinguishable to the caller.
func (r *Registry) Lookup(ctx context.Context, key store.Key) ([]store.Handle, error) {
	h, err := r.st.Lookup(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return []store.Handle{h}, nil
}

// Keys lists every registered key of the given variant (an empty variant
// lists all keys), the spec's `keys(worker) → [key]` (§4.1).
func (r *Registry) Keys(ctx context.Context, variant store.Variant) ([]store.Key, error) {
	return r.st.Keys(ctx, variant)
}

// Count returns the number of currently registered keys (§4.1 `count()`).
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.st.Count(ctx)
}

// Select returns every registered key whose variant matches variant and
// whose ID contains substr, the spec's `select(pattern) → [match]` (§4.1).
// An empty substr matches every key of the variant. This is a convenience
// filter over Keys, not a separate index: clustered deployments pay an
// O(n) scan, which is acceptable since Select is an operational/debugging
// query, not a per-request hot path.
func (r *Registry) Select(ctx context.Context, variant store.Variant, substr string) ([]store.Key, error) {
	keys, err := r.st.Keys(ctx, variant)
	if err != nil {
		return nil, err
	}
	if substr == "" {
		return keys, nil
	}
	out := make([]store.Key, 0, len(keys))
	for _, k := range keys {
		if strings.Contains(k.ID, substr) {
			out = append(out, k)
		}
	}
	return out, nil
}
