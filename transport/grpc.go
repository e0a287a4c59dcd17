package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/message"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// GRPCID is the contact point scheme of the gRPC transport.
const GRPCID = "grpc"

const grpcCallMethod = "/hoprpc.Transport/Call"

// rawFrame carries an already encoded envelope through gRPC untouched.
type rawFrame struct {
	data []byte
}

// rawCodec hands gRPC the bytes of a rawFrame, so the envelope codec stays
// in charge of the payload format.
type rawCodec struct{}

var _ encoding.Codec = rawCodec{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, errors.New("grpc raw codec: unexpected message type")
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return errors.New("grpc raw codec: unexpected message type")
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "hop-raw" }

type envelopeServer interface {
	Call(ctx context.Context, in *rawFrame) (*rawFrame, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(envelopeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcCallMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(envelopeServer).Call(ctx, req.(*rawFrame))
	})
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "hoprpc.Transport",
	HandlerType: (*envelopeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hop-rpc/transport/grpc.go",
}

// GRPC carries envelopes as a unary gRPC call.
type GRPC struct {
	opts Options
}

func NewGRPC(opts Options) *GRPC {
	return &GRPC{opts: opts.withDefaults()}
}

func (t *GRPC) ID() string { return GRPCID }

func (t *GRPC) NewSender() Sender {
	return &grpcSender{codec: codec.GetCodec(t.opts.Codec)}
}

func (t *GRPC) NewListener() Listener {
	return &grpcListener{codec: codec.GetCodec(t.opts.Codec), logger: t.opts.Logger.Named("grpc")}
}

type grpcSender struct {
	codec codec.Codec
	cp    *node.ContactPoint
	id    connid.ID
	conn  *grpc.ClientConn
}

func (s *grpcSender) Initialize(cp node.ContactPoint) error {
	if s.cp != nil {
		return ErrAlreadyInitialized
	}
	// NewClient does not dial; the connection is made on the first call.
	conn, err := grpc.NewClient(cp.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	s.cp = &cp
	s.conn = conn
	s.id = connid.Generate(true)
	return nil
}

func (s *grpcSender) Send(ctx context.Context, req *message.NetworkRequest) (*message.NetworkResponse, error) {
	if s.cp == nil {
		panic(ErrNotInitialized)
	}
	cp := *s.cp
	data, err := encodeRequest(s.codec, req, s.id)
	if err != nil {
		return nil, communicationError(cp, "encode request for", err)
	}
	out := new(rawFrame)
	if err := s.conn.Invoke(ctx, grpcCallMethod, &rawFrame{data: data}, out, grpc.ForceCodec(rawCodec{})); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, cp)
		}
		st := status.Convert(err)
		switch st.Code() {
		case codes.DeadlineExceeded:
			return nil, rpcerr.Wrap(rpcerr.KindTimeout, "no response from "+cp.String()+" before deadline", err)
		case codes.Internal:
			return nil, rpcerr.Errorf(rpcerr.KindCommunication, "peer error from %s: %s", cp, st.Message())
		}
		return nil, communicationError(cp, "call", err)
	}
	resp, err := decodeResponse(s.codec, out.data)
	if err != nil {
		return nil, communicationError(cp, "decode response from", err)
	}
	return resp, nil
}

func (s *grpcSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type grpcListener struct {
	codec  codec.Codec
	logger *zap.Logger

	lis     net.Listener
	server  *grpc.Server
	handler Handler
	cp      node.ContactPoint

	closeOnce sync.Once
}

func (l *grpcListener) Listen(cp node.ContactPoint) (node.ContactPoint, error) {
	lis, err := net.Listen("tcp", cp.Addr())
	if err != nil {
		return cp, err
	}
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		cp.Port = addr.Port
	}
	l.lis = lis
	l.cp = cp
	l.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	l.server.RegisterService(&transportServiceDesc, l)
	return cp, nil
}

// Call implements envelopeServer.
func (l *grpcListener) Call(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	req, err := decodeRequest(l.codec, in.data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "decode request: "+err.Error())
	}
	resp, err := l.handler.ServeEnvelope(ctx, req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := encodeResponse(l.codec, resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response: "+err.Error())
	}
	return &rawFrame{data: out}, nil
}

func (l *grpcListener) Serve(ctx context.Context, h Handler) error {
	if l.server == nil {
		return errors.New("grpc: Serve before Listen")
	}
	l.handler = h
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	l.logger.Info("listening", zap.Stringer("contact_point", l.cp))
	// Serve returns nil once Stop has been called, ErrServerStopped if Stop
	// came first.
	if err := l.server.Serve(l.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		if l.server != nil {
			l.server.Stop()
		} else if l.lis != nil {
			l.lis.Close()
		}
	})
	return nil
}
