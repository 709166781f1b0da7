// Package replicated provides the clustered backend for the Registry: a
// CRDT-replicated, eventually-consistent map from Key to Handle, backed by
// a Pulse replicated map (rmap.Map over Redis) (§4.1).
//
// This keeps the teacher's replicated-store shape (a narrow Map interface
// satisfied by *rmap.Map, so the store is unit-testable without Redis) and
// generalizes its toolset-JSON-blob encoding to the spec's Key/Handle pair.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sagents-ai/sagents/registry/store"
)

// Map is the minimal replicated-map contract required by this store.
// Satisfied by *rmap.Map from goa.design/pulse/rmap.
type Map interface {
	Delete(ctx context.Context, key string) (string, error)
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
}

const keyPrefix = "registry:key:"

// Store persists Key/Handle registrations in a replicated map.
type Store struct {
	m Map
}

var _ store.Store = (*Store)(nil)

// New creates a new replicated store backed by m.
func New(m Map) *Store {
	return &Store{m: m}
}

func encodeKey(k store.Key) string {
	return keyPrefix + string(k.Variant) + ":" + k.ID
}

func decodeKey(raw string) (store.Key, bool) {
	trimmed := strings.TrimPrefix(raw, keyPrefix)
	if trimmed == raw {
		return store.Key{}, false
	}
	parts := strings.SplitN(trimmed, ":", 2)
	if len(parts) != 2 {
		return store.Key{}, false
	}
	return store.Key{Variant: store.Variant(parts[0]), ID: parts[1]}, true
}

// Register implements store.Store. It checks for an existing owner before
// writing; this is optimistic, not a true compare-and-set, so two nodes
// racing to register the same key within one replication round trip can
// both believe they won. The spec tolerates this explicitly (§5 Cluster
// placement concurrency: "transient duplicate-owner windows of bounded
// length" as long as eventual uniqueness is restored); callers needing a
// stronger guarantee should treat Lookup immediately after Register as the
// authoritative check once membership stabilizes.
func (s *Store) Register(ctx context.Context, key store.Key, handle store.Handle) (store.Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Handle{}, false, err
	}
	k := encodeKey(key)
	if existing, ok := s.m.Get(k); ok {
		var owner store.Handle
		if err := json.Unmarshal([]byte(existing), &owner); err != nil {
			return store.Handle{}, false, fmt.Errorf("decode owner for %s: %w", key, err)
		}
		return owner, true, nil
	}
	b, err := json.Marshal(handle)
	if err != nil {
		return store.Handle{}, false, fmt.Errorf("marshal handle for %s: %w", key, err)
	}
	if _, err := s.m.Set(ctx, k, string(b)); err != nil {
		return store.Handle{}, false, fmt.Errorf("register %s: %w", key, err)
	}
	return handle, false, nil
}

// Lookup implements store.Store.
func (s *Store) Lookup(ctx context.Context, key store.Key) (store.Handle, error) {
	if err := ctx.Err(); err != nil {
		return store.Handle{}, err
	}
	val, ok := s.m.Get(encodeKey(key))
	if !ok {
		return store.Handle{}, store.ErrNotFound
	}
	var h store.Handle
	if err := json.Unmarshal([]byte(val), &h); err != nil {
		return store.Handle{}, fmt.Errorf("decode handle for %s: %w", key, err)
	}
	return h, nil
}

// Deregister implements store.Store.
func (s *Store) Deregister(ctx context.Context, key store.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := encodeKey(key)
	if _, ok := s.m.Get(k); !ok {
		return store.ErrNotFound
	}
	if _, err := s.m.Delete(ctx, k); err != nil {
		return fmt.Errorf("deregister %s: %w", key, err)
	}
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context, variant store.Variant) ([]store.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]store.Key, 0)
	for _, raw := range s.m.Keys() {
		k, ok := decodeKey(raw)
		if !ok {
			continue
		}
		if variant == "" || k.Variant == variant {
			out = append(out, k)
		}
	}
	return out, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
