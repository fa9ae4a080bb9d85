package failover

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nexusmq/failover/internal/framing"
)

// startEchoServer accepts a single connection and, for each framed
// message it receives, immediately frames the same bytes back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		framer := framing.NewEnhancedFramer(conn)
		for {
			frame, err := framer.ReadFrame()
			if err != nil {
				return
			}
			if err := framer.WriteFrame(frame); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func TestTCPTransport_OnewaySendsFramedMessage(t *testing.T) {
	addr := startEchoServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newTCPTransport(MustEndpoint("tcp://"+addr), nil, logger, time.Second)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	var mu sync.Mutex
	received := make(chan *Command, 1)
	transport.SetListener(&recordingListener{
		onCommand: func(c *Command) {
			mu.Lock()
			defer mu.Unlock()
			received <- c
		},
	})

	ctx := context.Background()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer transport.Close()

	cmd := &Command{CorrelationID: 7, Kind: KindGeneric, Payload: []byte("hello")}
	if err := transport.Oneway(ctx, cmd); err != nil {
		t.Fatalf("oneway: %v", err)
	}

	select {
	case echoed := <-received:
		if echoed.CorrelationID != 7 || string(echoed.Payload) != "hello" {
			t.Fatalf("unexpected echoed command: %+v", echoed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed command")
	}
}

func TestTCPTransport_CloseIsIdempotent(t *testing.T) {
	addr := startEchoServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newTCPTransport(MustEndpoint("tcp://"+addr), nil, logger, time.Second)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTCPTransport_OnewayAfterCloseFails(t *testing.T) {
	addr := startEchoServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newTCPTransport(MustEndpoint("tcp://"+addr), nil, logger, time.Second)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cmd := &Command{CorrelationID: 1, Kind: KindGeneric}
	if err := transport.Oneway(context.Background(), cmd); err != ErrTransportDisposed {
		t.Fatalf("expected ErrTransportDisposed, got %v", err)
	}
}
