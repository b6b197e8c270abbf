package transport

import (
	"context"
	"errors"

	"github.com/alexandrecolauto/lodestone/server/pkg/controller/node"
	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "lodestone.transport.Raft"
	sendMethod  = "/" + serviceName + "/Send"
)

// Handler receives messages from peers. node.Node satisfies it.
type Handler interface {
	Step(ctx context.Context, m raftpb.Message) error
}

type raftServer interface {
	send(ctx context.Context, env *Envelope) (*Ack, error)
}

type server struct {
	handler Handler
	logger  hclog.Logger
}

func (s *server) send(ctx context.Context, env *Envelope) (*Ack, error) {
	if env.Version != envelopeVersion {
		s.logger.Warn("rejecting peer message", "version", env.Version, "from", env.Message.From)
		return nil, status.Errorf(codes.InvalidArgument, "unsupported envelope version %d", env.Version)
	}
	if err := s.handler.Step(ctx, env.Message); err != nil {
		if errors.Is(err, node.ErrStopped) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Ack{}, nil
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	h := func(ctx context.Context, req any) (any, error) {
		return srv.(raftServer).send(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, h)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport",
}

// Register exposes h on grpcServer. Peers reach it through Transport.Send.
func Register(grpcServer *grpc.Server, h Handler, logger hclog.Logger) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	grpcServer.RegisterService(&serviceDesc, &server{handler: h, logger: logger})
}
