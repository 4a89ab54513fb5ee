package transport

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the grpc service path every node registers under. There is
// exactly one RPC method, Send, carrying the sealed Envelope union — the
// dispatch onto RequestVote/AppendEntries/ReplicateDoc/... happens inside
// the coordinator's envelope handler, not at the grpc layer.
const serviceName = "distrisearch.Transport"

// Handler is implemented by anything that can answer an inbound Envelope.
// The coordinator is the only production implementation; tests can stub it.
type Handler interface {
	HandleEnvelope(ctx context.Context, env Envelope) (Envelope, error)
}

type transportServer struct {
	handler Handler
}

func (s *transportServer) send(ctx context.Context, env *Envelope) (*Envelope, error) {
	reply, err := s.handler.HandleEnvelope(ctx, *env)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*transportServer).send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Send"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*transportServer).send(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a one-method "Transport" service. No .proto/codegen step
// is required: grpc.ServiceDesc is a plain struct, and our wire messages
// are marshaled by the jsonCodec registered in codec.go rather than by
// generated proto.Message implementations.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    sendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distrisearch/transport.proto",
}

// RegisterServer attaches handler to s under the Transport service.
func RegisterServer(s *grpc.Server, handler Handler) {
	s.RegisterService(&ServiceDesc, &transportServer{handler: handler})
}

// Invoke performs the single Send RPC against cc, using the json codec
// negotiated via content-subtype.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, in Envelope, opts ...grpc.CallOption) (Envelope, error) {
	out := new(Envelope)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+serviceName+"/Send", &in, out, callOpts...); err != nil {
		return Envelope{}, err
	}
	return *out, nil
}
