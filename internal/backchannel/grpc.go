// ABOUTME: gRPC transport for the backchannel: a bidi stream carrying JSON frames.
// ABOUTME: Uses a registered JSON codec and a hand-written service descriptor instead of generated stubs.

package backchannel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content subtype used for backchannel frames.
const CodecName = "json"

// ServiceName is the fully qualified backchannel service name.
const ServiceName = "studio.backchannel.v1.Backchannel"

const connectMethod = "/" + ServiceName + "/Connect"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RawFrame is one JSON frame passed through the codec without re-encoding.
type RawFrame []byte

// jsonCodec marshals RawFrame verbatim and anything else with encoding/json.
type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case *RawFrame:
		return []byte(*f), nil
	case RawFrame:
		return []byte(f), nil
	default:
		return json.Marshal(v)
	}
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*RawFrame); ok {
		// gRPC may reuse data after Unmarshal returns.
		*f = append((*f)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// BackchannelServer is the handler interface for the backchannel service.
type BackchannelServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BackchannelServer).Connect(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackchannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "studio/backchannel/v1/backchannel.proto",
}

// frameStream is the part of grpc.ServerStream and grpc.ClientStream we use.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcConn adapts a gRPC stream to Conn.
type grpcConn struct {
	stream    frameStream
	remote    string
	cancel    context.CancelFunc // client side only
	closeSend func() error       // client side only
	closeOnce sync.Once
	done      chan struct{}
}

func newGRPCConn(stream frameStream, remote string) *grpcConn {
	return &grpcConn{stream: stream, remote: remote, done: make(chan struct{})}
}

// ReadFrame implements Conn.
func (c *grpcConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var f RawFrame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFrame implements Conn.
func (c *grpcConn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrNoConnection
	default:
	}
	f := RawFrame(data)
	return c.stream.SendMsg(&f)
}

// Close implements Conn. On the server side it ends the Connect handler,
// which tears the stream down.
func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeSend != nil {
			_ = c.closeSend()
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}

// RemoteAddr implements Conn.
func (c *grpcConn) RemoteAddr() string { return "grpc://" + c.remote }

// GRPCServer serves the backchannel service and hands streams to the Registry.
type GRPCServer struct {
	registry *Registry
	token    string
	logger   *slog.Logger
}

// NewGRPCServer creates the service. An empty token accepts any agent.
func NewGRPCServer(registry *Registry, token string, logger *slog.Logger) *GRPCServer {
	return &GRPCServer{registry: registry, token: token, logger: logger}
}

// Register adds the backchannel service to s.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

// Connect handles one agent stream for as long as the registry keeps it.
func (s *GRPCServer) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	if !tokenMatches(s.token, metadataToken(ctx)) {
		s.logger.Warn("rejected backchannel stream", "reason", "invalid token")
		return status.Error(codes.Unauthenticated, "invalid agent token")
	}

	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	conn := newGRPCConn(stream, remote)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.registry.AddConnection(ctx, conn)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, ErrRegistryClosed) {
			return status.Error(codes.Unavailable, "gateway shutting down")
		}
		return nil
	case <-conn.done:
		// Superseded or closed by the registry. Returning cancels the stream,
		// which unblocks the reader.
		return nil
	}
}

func metadataToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("x-agent-token"); len(vals) > 0 {
		return vals[0]
	}
	if vals := md.Get("authorization"); len(vals) > 0 {
		return strings.TrimPrefix(vals[0], "Bearer ")
	}
	return ""
}

// OpenGRPCStream opens a backchannel stream from the agent side.
func OpenGRPCStream(ctx context.Context, cc grpc.ClientConnInterface, token string) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}

	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		return nil, err
	}

	conn := newGRPCConn(stream, "gateway")
	conn.cancel = cancel
	conn.closeSend = stream.CloseSend
	return conn, nil
}
