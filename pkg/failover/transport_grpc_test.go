package failover

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
)

// startEchoGRPCServer registers a hand-rolled streaming service (no
// protoc-generated stub) that echoes every rawFrame it receives, using
// the same content-subtype GRPCTransport negotiates with.
func startEchoGRPCServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := func(srv interface{}, stream grpc.ServerStream) error {
		for {
			frame := new(rawFrame)
			if err := stream.RecvMsg(frame); err != nil {
				return err
			}
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}

	desc := &grpc.ServiceDesc{
		ServiceName: "failover.Transport",
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Stream",
				Handler:       handler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}

	server := grpc.NewServer()
	server.RegisterService(desc, nil)
	t.Cleanup(server.Stop)
	go server.Serve(ln)

	return ln.Addr().String()
}

func TestGRPCTransport_OnewayEchoesFrame(t *testing.T) {
	addr := startEchoGRPCServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newGRPCTransport(MustEndpoint("grpc://"+addr), nil, logger)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	received := make(chan *Command, 1)
	transport.SetListener(&recordingListener{
		onCommand: func(c *Command) { received <- c },
	})

	ctx := context.Background()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer transport.Close()

	cmd := &Command{CorrelationID: 9, Kind: KindGeneric, Payload: []byte("ping")}
	if err := transport.Oneway(ctx, cmd); err != nil {
		t.Fatalf("oneway: %v", err)
	}

	select {
	case echoed := <-received:
		if echoed.CorrelationID != 9 || string(echoed.Payload) != "ping" {
			t.Fatalf("unexpected echoed command: %+v", echoed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the echoed command")
	}
}

func TestGRPCTransport_CloseIsIdempotent(t *testing.T) {
	addr := startEchoGRPCServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newGRPCTransport(MustEndpoint("grpc://"+addr), nil, logger)
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

func TestGRPCTransport_OnewayAfterCloseFails(t *testing.T) {
	addr := startEchoGRPCServer(t)
	logger := NewLogger(DefaultConfig().Logging)

	transport, err := newGRPCTransport(MustEndpoint("grpc://"+addr), nil, logger)
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
