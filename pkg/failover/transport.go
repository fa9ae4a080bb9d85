package failover

import (
	"context"
	"fmt"
	"sync"
)

// Transport is the capability set a single-endpoint underlying
// connection must provide (§6, "Underlying Transport"). Concrete
// transports (TCP, gRPC, ...) are external collaborators; the failover
// core only ever calls through this interface.
type Transport interface {
	// Start establishes the connection. Called with no core lock held.
	Start(ctx context.Context) error
	// Close tears the connection down. Idempotent.
	Close() error
	// Oneway sends cmd and does not wait for a response; it fails with
	// a TransportIO-class error on transport failure.
	Oneway(ctx context.Context, cmd *Command) error
	// SetListener installs the Listener that receives inbound commands,
	// exceptions, and lifecycle events from this transport.
	SetListener(l Listener)
	// RemoteAddress reports the address this transport is connected to,
	// for logging/diagnostics.
	RemoteAddress() string
}

// Factory produces a fresh Transport for a given endpoint. One Factory
// is registered per scheme.
type Factory interface {
	Create(ctx context.Context, endpoint Endpoint) (Transport, error)
}

// FactoryFunc adapts a plain function to a Factory.
type FactoryFunc func(ctx context.Context, endpoint Endpoint) (Transport, error)

func (f FactoryFunc) Create(ctx context.Context, endpoint Endpoint) (Transport, error) {
	return f(ctx, endpoint)
}

// FactoryRegistry maps endpoint schemes to Factories (§6, "Transport
// Factory Registry"). It is injected into Core at construction so
// tests can substitute a controlled factory producing deterministic,
// scripted transports and failures (§9).
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry returns an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register installs f as the factory for scheme, replacing any
// previous registration.
func (r *FactoryRegistry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

// Find looks up the factory for scheme.
func (r *FactoryRegistry) Find(scheme string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[scheme]
	return f, ok
}

// Create looks up endpoint's scheme and invokes the matching Factory,
// failing with InvalidEndpointError for an unknown scheme.
func (r *FactoryRegistry) Create(ctx context.Context, endpoint Endpoint) (Transport, error) {
	f, ok := r.Find(endpoint.Scheme())
	if !ok {
		return nil, &InvalidEndpointError{Scheme: endpoint.Scheme()}
	}
	t, err := f.Create(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", endpoint, err)
	}
	return t, nil
}
