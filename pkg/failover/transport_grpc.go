package failover

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// grpcContentSubtype names the gRPC content-subtype rawCodec registers
// under ("application/grpc+failoverraw" on the wire).
const grpcContentSubtype = "failoverraw"

// grpcStreamMethod is the single bidirectional-streaming RPC every
// GRPCTransport opens. There is deliberately no protoc-generated
// service behind it: rawCodec carries whatever bytes a failover Codec
// already produced for a Command, so the stream never needs a
// generated message type.
const grpcStreamMethod = "/failover.Transport/Stream"

// rawFrame is the only message rawCodec ever (un)marshals.
type rawFrame struct {
	data []byte
}

// rawCodec is a grpc/encoding.Codec that passes bytes through
// unchanged. It lets GRPCTransport reuse the same wireCommand/Codec
// pairing TCPTransport uses, instead of generating protobuf messages
// for Command.
type rawCodec struct{}

func (rawCodec) Name() string { return grpcContentSubtype }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpc transport: unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpc transport: unexpected message type %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// GRPCTransport is the "grpc" scheme Underlying Transport: a single
// bidirectional stream opened against a gRPC endpoint, carrying
// Commands serialized by a Codec and shipped as opaque frames via
// rawCodec.
type GRPCTransport struct {
	endpoint Endpoint
	codec    Codec
	logger   *Logger

	mu       sync.Mutex
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	closed   bool
	listener Listener
}

// NewGRPCTransportFactory returns a Factory producing GRPCTransports
// that encode Commands with codec (JSONCodec if nil).
func NewGRPCTransportFactory(codec Codec, logger *Logger) Factory {
	return FactoryFunc(func(ctx context.Context, endpoint Endpoint) (Transport, error) {
		return newGRPCTransport(endpoint, codec, logger)
	})
}

func newGRPCTransport(endpoint Endpoint, codec Codec, logger *Logger) (*GRPCTransport, error) {
	if codec == nil {
		var err error
		codec, err = NewCodec(CodecJSON)
		if err != nil {
			return nil, err
		}
	}
	return &GRPCTransport{
		endpoint: endpoint,
		codec:    codec,
		logger:   logger.WithEndpoint(endpoint),
		listener: theDisposedListener,
	}, nil
}

// Start dials the endpoint and opens the single long-lived stream the
// transport's whole lifetime rides on.
func (t *GRPCTransport) Start(ctx context.Context) error {
	u, err := url.Parse(t.endpoint.String())
	if err != nil {
		return fmt.Errorf("grpc transport: parse endpoint %s: %w", t.endpoint, err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(u.Host, opts...)
	if err != nil {
		return fmt.Errorf("grpc transport: dial %s: %w", u.Host, err)
	}

	// The stream must outlive Start's ctx, so it gets a context of its
	// own, torn down explicitly from Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &grpc.StreamDesc{
		StreamName:    "Stream",
		ClientStreams: true,
		ServerStreams: true,
	}, grpcStreamMethod, grpc.CallContentSubtype(grpcContentSubtype))
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("grpc transport: open stream: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.stream = stream
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop()

	t.logger.DebugContext(ctx, "grpc transport connected", "remote", u.Host)
	return nil
}

func (t *GRPCTransport) readLoop() {
	for {
		t.mu.Lock()
		stream := t.stream
		closed := t.closed
		t.mu.Unlock()
		if closed || stream == nil {
			return
		}

		frame := new(rawFrame)
		if err := stream.RecvMsg(frame); err != nil {
			t.mu.Lock()
			alreadyClosed := t.closed
			l := t.listener
			t.mu.Unlock()
			if !alreadyClosed && err != io.EOF {
				l.OnException(fmt.Errorf("grpc transport: recv: %w", err))
			}
			return
		}

		var wire wireCommand
		if err := t.codec.Unmarshal(frame.data, &wire); err != nil {
			t.mu.Lock()
			l := t.listener
			t.mu.Unlock()
			l.OnException(fmt.Errorf("grpc transport: decode: %w", err))
			continue
		}

		t.mu.Lock()
		l := t.listener
		t.mu.Unlock()
		l.OnCommand(wire.toCommand())
	}
}

// Close half-closes the send side, cancels the stream's context, and
// tears down the connection. Idempotent.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stream := t.stream
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Oneway encodes cmd and sends one message on the stream.
func (t *GRPCTransport) Oneway(ctx context.Context, cmd *Command) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportDisposed
	}
	stream := t.stream
	t.mu.Unlock()

	if stream == nil {
		return ErrIllegalState
	}

	data, err := t.codec.Marshal(toWireCommand(cmd))
	if err != nil {
		return fmt.Errorf("grpc transport: encode: %w", err)
	}
	if err := stream.SendMsg(&rawFrame{data: data}); err != nil {
		return fmt.Errorf("grpc transport: send: %w", err)
	}
	return nil
}

// SetListener installs the Listener the read loop delivers to. A nil
// listener installs the disposed sink instead of leaving a nil pointer.
func (t *GRPCTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l == nil {
		l = theDisposedListener
	}
	t.listener = l
}

// RemoteAddress reports the endpoint this transport connects to.
func (t *GRPCTransport) RemoteAddress() string { return t.endpoint.String() }
