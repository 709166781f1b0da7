package rpc

import (
	"context"

	"github.com/sagents-ai/sagents/registry/store"
)

// PeerFallback resolves a key against a local store first, then against a
// fixed set of peer nodes over gRPC when the local store misses. It
// implements the spec's bounded-latency alternative to waiting on a
// replicated map's convergence window (§4.1): a single extra RPC round trip
// in the worst case, rather than an unbounded wait.
type PeerFallback struct {
	local store.Store
	peers []*Client
}

// NewPeerFallback builds a PeerFallback over local's store and peers, the
// Clients dialed to every other node in the cluster.
func NewPeerFallback(local store.Store, peers ...*Client) *PeerFallback {
	return &PeerFallback{local: local, peers: peers}
}

// Via resolves key locally first, then asks each peer in turn, returning
// the first owner found. store.ErrNotFound is returned only once every
// peer has also missed.
func (f *PeerFallback) Via(ctx context.Context, key store.Key) (store.Handle, error) {
	if handle, err := f.local.Lookup(ctx, key); err == nil {
		return handle, nil
	} else if err != store.ErrNotFound {
		return store.Handle{}, err
	}
	for _, peer := range f.peers {
		handle, ok, err := peer.Lookup(ctx, key)
		if err != nil {
			// A single unreachable peer must not fail the whole fallback
			// chain; the next peer (or the eventual ErrNotFound) still
			// gives the caller an answer.
			continue
		}
		if ok {
			return handle, nil
		}
	}
	return store.Handle{}, store.ErrNotFound
}
