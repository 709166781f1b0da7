// Package rpc implements the clustered Registry's peer-lookup fallback
// (§4.1): when a node's local view of a key is stale or unregistered, it can
// ask another node directly over gRPC instead of only waiting on the
// replicated map to converge. This bounds lookup latency to one RPC round
// trip in the worst case, rather than the replicated map's eventual-
// consistency window.
//
// Grounded on the teacher's registry package, which exposes its own
// replicated Registry over a generated gRPC service
// (goa.design/goa-ai/registry/gen/grpc/registry/{pb,server}) via
// (*Registry).Run. This tree has no Goa service design to generate that
// package from, so the service descriptor and messages here are built by
// hand (see descriptor.go) in the same shape protoc-gen-go/
// protoc-gen-go-grpc output would take, and the server/client wiring below
// follows the teacher's grpc.NewServer/grpc.Dial pattern directly.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sagents-ai/sagents/registry/store"
)

// serviceName is the fully qualified gRPC service name, matching the
// package declared in the hand-built FileDescriptorProto.
const serviceName = "sagents.registry.rpc.Lookup"

// LookupServer is implemented by a node willing to answer peer lookups for
// keys it owns locally.
type LookupServer interface {
	// Lookup resolves key to its locally owned Handle, if any. It must
	// never consult another peer: Server wraps a single node's own
	// store.Store, not a recursive fan-out.
	Lookup(ctx context.Context, key store.Key) (store.Handle, bool, error)
}

// Server adapts a store.Store (or any LookupServer) to the Lookup gRPC
// service.
type Server struct {
	backend LookupServer
}

// NewServer wraps backend for registration with a *grpc.Server.
func NewServer(backend LookupServer) *Server {
	return &Server{backend: backend}
}

// StoreServer adapts a store.Store to LookupServer, translating
// store.ErrNotFound into a (false, nil) result instead of an RPC error: "not
// registered on this node" is an ordinary outcome for a peer lookup, not a
// failure.
type StoreServer struct {
	Store store.Store
}

// Lookup implements LookupServer.
func (s StoreServer) Lookup(ctx context.Context, key store.Key) (store.Handle, bool, error) {
	handle, err := s.Store.Lookup(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Handle{}, false, nil
		}
		return store.Handle{}, false, err
	}
	return handle, true, nil
}

func (s *Server) lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	handle, ok, err := s.backend.Lookup(ctx, store.Key{Variant: store.Variant(req.Variant()), ID: req.ID()})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rpc: lookup %s(%s): %v", req.Variant(), req.ID(), err)
	}
	resp := NewLookupResponse()
	resp.SetFound(ok)
	if ok {
		resp.SetVariant(string(handle.Key.Variant))
		resp.SetID(handle.Key.ID)
		resp.SetNodeID(handle.NodeID)
		resp.SetAddress(handle.Address)
	}
	return resp, nil
}

// RegisterServer registers srv's Lookup RPC on s, the *grpc.Server a node's
// listener loop serves on.
func RegisterServer(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Lookup",
			Handler:    lookupHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sagents/registry/rpc/lookup.proto",
}

func lookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := NewLookupRequest("", "")
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Lookup"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).lookup(ctx, req.(*LookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls a peer's Lookup RPC.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established connection to a peer node.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// Lookup asks the peer whether it owns key, the client side of Server.lookup.
func (c *Client) Lookup(ctx context.Context, key store.Key) (store.Handle, bool, error) {
	req := NewLookupRequest(string(key.Variant), key.ID)
	resp := NewLookupResponse()
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Lookup", req, resp); err != nil {
		return store.Handle{}, false, err
	}
	if !resp.Found() {
		return store.Handle{}, false, nil
	}
	return store.Handle{
		Key:     store.Key{Variant: store.Variant(resp.Variant()), ID: resp.ID()},
		NodeID:  resp.NodeID(),
		Address: resp.Address(),
	}, true, nil
}
