// Package syncrpc adapts the sync protocol's wire frames onto a grpc
// bidirectional stream, one stream per (peer, table) session, matching
// the teacher's one-connection-per-peer model in
// internal/replication.Coordinator. The teacher's own generated
// api/proto package (from a .proto file) is not part of the retrieval
// pack, so rather than fabricate a fake generated package this speaks
// grpc using wrapperspb.BytesValue as the wire envelope: each gRPC
// message carries exactly one notesync/internal/wire frame
// (type byte + canonical payload), and grpc handles message framing,
// multiplexing, and flow control the way the teacher already relies on
// it to.
package syncrpc

import (
	"context"
	"fmt"
	"io"

	"github.com/rachitkumar205/notesync/internal/transport"
	"github.com/rachitkumar205/notesync/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "notesync.syncrpc.v1.Sync"
	methodName  = "/" + serviceName + "/Session"
)

// streamDesc describes the single bidi-streaming RPC both the client and
// server sides use to exchange wire.Type frames.
var streamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// grpcStream is the subset of grpc.ClientStream / grpc.ServerStream this
// package needs; both satisfy it.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamTransport implements transport.Transport over one grpc stream,
// framing each notesync wire message as a single BytesValue.
type streamTransport struct {
	stream  grpcStream
	closeFn func() error
}

func newStreamTransport(s grpcStream, closeFn func() error) *streamTransport {
	return &streamTransport{stream: s, closeFn: closeFn}
}

func (t *streamTransport) Send(ctx context.Context, msg any) error {
	typ, payload, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("syncrpc: marshal %T: %w", msg, err)
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(typ)
	copy(buf[1:], payload)

	done := make(chan error, 1)
	go func() { done <- t.stream.SendMsg(&wrapperspb.BytesValue{Value: buf}) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *streamTransport) Recv(ctx context.Context) (any, error) {
	type result struct {
		msg any
		err error
	}
	done := make(chan result, 1)
	go func() {
		var bv wrapperspb.BytesValue
		if err := t.stream.RecvMsg(&bv); err != nil {
			if err == io.EOF {
				done <- result{nil, transport.ErrClosed}
				return
			}
			done <- result{nil, err}
			return
		}
		if len(bv.Value) < 1 {
			done <- result{nil, fmt.Errorf("syncrpc: empty frame")}
			return
		}
		msg, err := wire.Unmarshal(wire.Type(bv.Value[0]), bv.Value[1:])
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) Close() error {
	if t.closeFn == nil {
		return nil
	}
	return t.closeFn()
}

// Handler is invoked once per incoming session stream, on the responder
// side. peerAddr is the connecting peer's network address, for logging
// and metrics labeling only.
type Handler func(ctx context.Context, peerAddr string, t transport.Transport)

// Server adapts incoming grpc streams to Handler calls. Register it onto
// a *grpc.Server with Register.
type Server struct {
	handler Handler
	logger  *zap.Logger
}

// NewServer creates a Server that invokes handler for every accepted
// session stream.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// serviceDesc is built against Server as its HandlerType since this
// service has exactly one streaming method and no unary methods to
// dispatch through reflection.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "notesync/syncrpc.proto",
}

func sessionStreamHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)

	addr := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		addr = p.Addr.String()
	}

	t := newStreamTransport(stream, func() error { return nil })
	s.logger.Debug("syncrpc: session stream accepted", zap.String("peer", addr))
	s.handler(stream.Context(), addr, t)
	return nil
}

// Register attaches Server's RPC to grpcSrv.
func (s *Server) Register(grpcSrv *grpc.Server) {
	grpcSrv.RegisterService(&serviceDesc, s)
}

// Client dials one peer and opens one stream per (peer, table) session,
// mirroring the teacher's Coordinator.addPeer: one long-lived
// *grpc.ClientConn per peer address, reused for every session's own
// stream (never sharing a stream across sessions, per spec.md §5).
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a grpc connection to addr using insecure transport
// credentials, matching the teacher's dev-mode Coordinator.addPeer
// (authentication is the transport's concern, out of scope per spec.md
// §1's Non-goals).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("dns:///"+addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("syncrpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// OpenSession opens a new bidi stream for one (peer, table) session.
// The returned Transport must not be shared with any other session.
func (c *Client) OpenSession(ctx context.Context) (transport.Transport, error) {
	stream, err := c.conn.NewStream(ctx, &streamDesc, methodName)
	if err != nil {
		return nil, fmt.Errorf("syncrpc: open session stream: %w", err)
	}
	return newStreamTransport(stream, func() error { return stream.CloseSend() }), nil
}

// Close releases the underlying connection. Call once per peer, not per
// session.
func (c *Client) Close() error {
	return c.conn.Close()
}
