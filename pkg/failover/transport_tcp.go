package failover

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/nexusmq/failover/internal/framing"
)

// wireCommand is the codec-serializable projection of a Command; it
// exists because Command carries a typed ReconnectTo pointer that most
// codecs would rather see as a plain string.
type wireCommand struct {
	CorrelationID    uint64
	Kind             CommandKind
	ResponseRequired bool
	Payload          []byte
	InReplyTo        uint64
	OK               bool
	ErrorMsg         string
	ReconnectTo      string
	ConnectedBrokers []string
	Rebalance        bool
}

func toWireCommand(cmd *Command) wireCommand {
	w := wireCommand{
		CorrelationID:    cmd.CorrelationID,
		Kind:             cmd.Kind,
		ResponseRequired: cmd.ResponseRequired,
		Payload:          cmd.Payload,
		InReplyTo:        cmd.InReplyTo,
		OK:               cmd.OK,
		ErrorMsg:         cmd.ErrorMsg,
		Rebalance:        cmd.Rebalance,
	}
	if cmd.ReconnectTo != nil {
		w.ReconnectTo = cmd.ReconnectTo.String()
	}
	for _, e := range cmd.ConnectedBrokers {
		w.ConnectedBrokers = append(w.ConnectedBrokers, e.String())
	}
	return w
}

func (w wireCommand) toCommand() *Command {
	cmd := &Command{
		CorrelationID:    w.CorrelationID,
		Kind:             w.Kind,
		ResponseRequired: w.ResponseRequired,
		Payload:          w.Payload,
		InReplyTo:        w.InReplyTo,
		OK:               w.OK,
		ErrorMsg:         w.ErrorMsg,
		Rebalance:        w.Rebalance,
	}
	if w.ReconnectTo != "" {
		e := MustEndpoint(w.ReconnectTo)
		cmd.ReconnectTo = &e
	}
	for _, raw := range w.ConnectedBrokers {
		cmd.ConnectedBrokers = append(cmd.ConnectedBrokers, MustEndpoint(raw))
	}
	return cmd
}

// TCPTransport is the "tcp" scheme Underlying Transport: a plain
// net.Conn framed with internal/framing's enhanced, CRC32C-checked
// frame format, carrying Commands serialized with a pluggable Codec.
// Each frame's request ID mirrors the Command's correlation id. A frame
// that fails its checksum is reported to the listener as a read error
// that does not carry that id.
type TCPTransport struct {
	endpoint    Endpoint
	codec       Codec
	logger      *Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	framer   *framing.Framer
	closed   bool
	listener Listener
}

// NewTCPTransportFactory returns a Factory producing TCPTransports that
// encode Commands with codec (JSONCodec if nil) and dial with
// dialTimeout (5s if zero).
func NewTCPTransportFactory(codec Codec, logger *Logger, dialTimeout time.Duration) Factory {
	return FactoryFunc(func(ctx context.Context, endpoint Endpoint) (Transport, error) {
		return newTCPTransport(endpoint, codec, logger, dialTimeout)
	})
}

func newTCPTransport(endpoint Endpoint, codec Codec, logger *Logger, dialTimeout time.Duration) (*TCPTransport, error) {
	if codec == nil {
		var err error
		codec, err = NewCodec(CodecJSON)
		if err != nil {
			return nil, err
		}
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCPTransport{
		endpoint:    endpoint,
		codec:       codec,
		logger:      logger.WithEndpoint(endpoint),
		dialTimeout: dialTimeout,
		listener:    theDisposedListener,
	}, nil
}

// Start dials the endpoint and launches the background read loop that
// feeds inbound commands to whatever Listener is installed.
func (t *TCPTransport) Start(ctx context.Context) error {
	u, err := url.Parse(t.endpoint.String())
	if err != nil {
		return fmt.Errorf("tcp transport: parse endpoint %s: %w", t.endpoint, err)
	}

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return fmt.Errorf("tcp transport: dial %s: %w", u.Host, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.framer = framing.NewEnhancedFramer(conn)
	t.mu.Unlock()

	go t.readLoop()

	t.logger.DebugContext(ctx, "tcp transport connected", "remote", u.Host)
	return nil
}

func (t *TCPTransport) readLoop() {
	for {
		t.mu.Lock()
		framer := t.framer
		closed := t.closed
		t.mu.Unlock()
		if closed || framer == nil {
			return
		}

		frame, err := framer.ReadFrame()
		if err != nil {
			t.mu.Lock()
			alreadyClosed := t.closed
			l := t.listener
			t.mu.Unlock()
			if !alreadyClosed {
				l.OnException(fmt.Errorf("tcp transport: read: %w", err))
			}
			return
		}

		var wire wireCommand
		if err := t.codec.Unmarshal(frame.Payload, &wire); err != nil {
			t.mu.Lock()
			l := t.listener
			t.mu.Unlock()
			l.OnException(fmt.Errorf("tcp transport: decode: %w", err))
			continue
		}

		t.mu.Lock()
		l := t.listener
		t.mu.Unlock()
		l.OnCommand(wire.toCommand())
	}
}

// Close closes the connection. Idempotent.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Oneway encodes cmd and writes one framed message.
func (t *TCPTransport) Oneway(ctx context.Context, cmd *Command) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportDisposed
	}
	conn := t.conn
	framer := t.framer
	t.mu.Unlock()

	if framer == nil {
		return ErrIllegalState
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	data, err := t.codec.Marshal(toWireCommand(cmd))
	if err != nil {
		return fmt.Errorf("tcp transport: encode: %w", err)
	}
	if err := framer.WriteFrame(framing.NewFrame(cmd.CorrelationID, data)); err != nil {
		return fmt.Errorf("tcp transport: write: %w", err)
	}
	return nil
}

// SetListener installs the Listener the read loop delivers to. A nil
// listener installs the disposed sink instead of leaving a nil pointer.
func (t *TCPTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l == nil {
		l = theDisposedListener
	}
	t.listener = l
}

// RemoteAddress reports the endpoint this transport connects to.
func (t *TCPTransport) RemoteAddress() string { return t.endpoint.String() }
