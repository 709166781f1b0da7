// Package memory provides the local (single-node) backend for the
// Registry: an in-process map keyed on equality with O(1) lookup (§4.1).
package memory

import (
	"context"
	"sync"

	"github.com/sagents-ai/sagents/registry/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	owner map[store.Key]store.Handle
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{owner: make(map[store.Key]store.Handle)}
}

// Register implements store.Store.
func (s *Store) Register(ctx context.Context, key store.Key, handle store.Handle) (store.Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Handle{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.owner[key]; ok {
		return existing, true, nil
	}
	s.owner[key] = handle
	return handle, false, nil
}

// Lookup implements store.Store.
func (s *Store) Lookup(ctx context.Context, key store.Key) (store.Handle, error) {
	if err := ctx.Err(); err != nil {
		return store.Handle{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.owner[key]
	if !ok {
		return store.Handle{}, store.ErrNotFound
	}
	return h, nil
}

// Deregister implements store.Store.
func (s *Store) Deregister(ctx context.Context, key store.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owner[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.owner, key)
	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context, variant store.Variant) ([]store.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Key, 0, len(s.owner))
	for k := range s.owner {
		if variant == "" || k.Variant == variant {
			out = append(out, k)
		}
	}
	return out, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owner), nil
}
