package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// scriptedTransport is a minimal in-memory Transport double used across
// the package's tests: it records its lifecycle calls and can be told
// to fail on Start or on Oneway.
type scriptedTransport struct {
	mu          sync.Mutex
	endpoint    Endpoint
	failStart   bool
	started     bool
	closed      bool
	listener    Listener
	failOneway  bool
	autoRespond bool
	sent        []*Command
}

func newScriptedTransport(endpoint Endpoint) *scriptedTransport {
	return &scriptedTransport{endpoint: endpoint}
}

func (t *scriptedTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failStart {
		return fmt.Errorf("scripted start failure")
	}
	t.started = true
	return nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *scriptedTransport) Oneway(ctx context.Context, cmd *Command) error {
	t.mu.Lock()
	if t.failOneway {
		t.mu.Unlock()
		return fmt.Errorf("scripted oneway failure")
	}
	t.sent = append(t.sent, cmd)
	listener := t.listener
	autoRespond := t.autoRespond
	t.mu.Unlock()

	if autoRespond && cmd.ResponseRequired && listener != nil {
		go listener.OnCommand(NewResponse(cmd.CorrelationID, nil))
	}
	return nil
}

func (t *scriptedTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

func (t *scriptedTransport) RemoteAddress() string { return t.endpoint.String() }

func (t *scriptedTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *scriptedTransport) setFailOneway(b bool) {
	t.mu.Lock()
	t.failOneway = b
	t.mu.Unlock()
}

func (t *scriptedTransport) sentCommands() []*Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Command, len(t.sent))
	copy(out, t.sent)
	return out
}

// scriptedFactory builds scriptedTransports, optionally failing creation
// or start for specific endpoints.
type scriptedFactory struct {
	mu         sync.Mutex
	failCreate map[string]bool
	failStart  map[string]bool
	created    []Endpoint
	instances  map[string]*scriptedTransport
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{
		failCreate: make(map[string]bool),
		failStart:  make(map[string]bool),
		instances:  make(map[string]*scriptedTransport),
	}
}

func (f *scriptedFactory) Create(ctx context.Context, endpoint Endpoint) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, endpoint)
	if f.failCreate[endpoint.String()] {
		return nil, fmt.Errorf("scripted create failure for %s", endpoint)
	}
	t := newScriptedTransport(endpoint)
	t.failStart = f.failStart[endpoint.String()]
	f.instances[endpoint.String()] = t
	return t, nil
}

func (f *scriptedFactory) transportFor(e Endpoint) *scriptedTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[e.String()]
}

func newTestBackupPool(t *testing.T) (*BackupPool, *URIPool, *scriptedFactory) {
	t.Helper()
	pool := NewURIPool()
	pool.SetRandomize(false)
	registry := NewFactoryRegistry()
	factory := newScriptedFactory()
	registry.Register("tcp", factory)
	closeWorker := NewCloseWorker(NewLogger(DefaultConfig().Logging))
	t.Cleanup(closeWorker.Stop)
	bp := NewBackupPool(pool, registry, closeWorker, NewLogger(DefaultConfig().Logging))
	return bp, pool, factory
}

func TestBackupPool_FillsToCapacity(t *testing.T) {
	bp, pool, _ := newTestBackupPool(t)
	pool.AddAll([]Endpoint{MustEndpoint("tcp://a"), MustEndpoint("tcp://b"), MustEndpoint("tcp://c")})

	bp.SetEnabled(true)
	bp.SetSize(2)
	bp.Fill(context.Background())

	if got := bp.Len(); got != 2 {
		t.Fatalf("expected 2 backups filled, got %d", got)
	}
	if pool.AvailableCount() != 1 {
		t.Fatalf("expected 1 endpoint left available, got %d", pool.AvailableCount())
	}
}

func TestBackupPool_CreateFailureReturnsEndpoint(t *testing.T) {
	bp, pool, factory := newTestBackupPool(t)
	bad := MustEndpoint("tcp://bad")
	good := MustEndpoint("tcp://good")
	factory.failCreate[bad.String()] = true
	pool.AddAll([]Endpoint{bad, good})

	bp.SetEnabled(true)
	bp.SetSize(1)
	bp.Fill(context.Background())

	if bp.Len() != 0 {
		t.Fatalf("expected no backup filled when the first candidate fails creation, got %d", bp.Len())
	}
	if !pool.Contains(bad) {
		t.Fatal("expected the failed endpoint to be returned to the pool")
	}
}

func TestBackupPool_DisableDrainsHeldBackups(t *testing.T) {
	bp, pool, _ := newTestBackupPool(t)
	e := MustEndpoint("tcp://a")
	pool.Add(e)

	bp.SetEnabled(true)
	bp.SetSize(1)
	bp.Fill(context.Background())
	if bp.Len() != 1 {
		t.Fatalf("expected 1 backup filled, got %d", bp.Len())
	}

	bp.SetEnabled(false)

	if bp.Len() != 0 {
		t.Fatalf("expected backups cleared on disable, got %d", bp.Len())
	}
	if !pool.Contains(e) {
		t.Fatal("expected the endpoint to be returned to the pool on drain")
	}
}

func TestBackupPool_TakeRemovesEntry(t *testing.T) {
	bp, pool, _ := newTestBackupPool(t)
	pool.Add(MustEndpoint("tcp://a"))

	bp.SetEnabled(true)
	bp.SetSize(1)
	bp.Fill(context.Background())

	entry, ok := bp.Take()
	if !ok {
		t.Fatal("expected a backup to be available")
	}
	if entry.Endpoint.String() != "tcp://a" {
		t.Fatalf("unexpected endpoint: %s", entry.Endpoint)
	}
	if bp.Len() != 0 {
		t.Fatalf("expected the pool to be empty after Take, got %d", bp.Len())
	}

	if _, ok := bp.Take(); ok {
		t.Fatal("expected no backup left to take")
	}
}
