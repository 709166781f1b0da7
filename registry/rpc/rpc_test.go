package rpc_test

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sagents-ai/sagents/registry/rpc"
	"github.com/sagents-ai/sagents/registry/store"
	"github.com/sagents-ai/sagents/registry/store/memory"
)

func dialServer(t *testing.T, backend rpc.LookupServer) (*rpc.Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	rpc.RegisterServer(srv, rpc.NewServer(backend))
	go func() { _ = srv.Serve(lis) }()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return rpc.NewClient(cc), func() {
		_ = cc.Close()
		srv.Stop()
	}
}

func TestClientLookupFound(t *testing.T) {
	st := memory.New()
	key := store.Key{Variant: store.VariantAgentWorker, ID: "agent-1"}
	handle := store.Handle{Key: key, NodeID: "node-a", Address: "addr-a"}
	if _, _, err := st.Register(context.Background(), key, handle); err != nil {
		t.Fatalf("register: %v", err)
	}

	client, closeFn := dialServer(t, rpc.StoreServer{Store: st})
	defer closeFn()

	got, ok, err := client.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected found=true")
	}
	if got != handle {
		t.Fatalf("unexpected handle %+v, want %+v", got, handle)
	}
}

func TestClientLookupNotFound(t *testing.T) {
	st := memory.New()
	client, closeFn := dialServer(t, rpc.StoreServer{Store: st})
	defer closeFn()

	_, ok, err := client.Lookup(context.Background(), store.Key{Variant: store.VariantAgentWorker, ID: "missing"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected found=false")
	}
}

func TestPeerFallbackAsksPeerOnLocalMiss(t *testing.T) {
	remote := memory.New()
	key := store.Key{Variant: store.VariantAgentWorker, ID: "agent-2"}
	handle := store.Handle{Key: key, NodeID: "node-b", Address: "addr-b"}
	if _, _, err := remote.Register(context.Background(), key, handle); err != nil {
		t.Fatalf("register: %v", err)
	}
	client, closeFn := dialServer(t, rpc.StoreServer{Store: remote})
	defer closeFn()

	local := memory.New()
	fallback := rpc.NewPeerFallback(local, client)

	got, err := fallback.Via(context.Background(), key)
	if err != nil {
		t.Fatalf("Via: %v", err)
	}
	if got != handle {
		t.Fatalf("unexpected handle %+v, want %+v", got, handle)
	}
}

func TestPeerFallbackNotFoundEverywhere(t *testing.T) {
	remote := memory.New()
	client, closeFn := dialServer(t, rpc.StoreServer{Store: remote})
	defer closeFn()

	fallback := rpc.NewPeerFallback(memory.New(), client)
	_, err := fallback.Via(context.Background(), store.Key{Variant: store.VariantAgentWorker, ID: "missing"})
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
