package failover

import (
	"fmt"
	"net/url"
)

// Endpoint is an opaque, freely-copied address value such as
// "tcp://broker-a:61616" or "grpc://broker-b:61617?timeout=5s". Equality
// and the scheme used by the Factory Registry are derived from the raw
// URI string; grammar beyond that is delegated to net/url.
type Endpoint struct {
	raw    string
	scheme string
}

// NewEndpoint parses a URI string into an Endpoint. The grammar itself
// is an external concern (§1); this only needs the scheme to route to a
// Factory and the raw string for equality and logging.
func NewEndpoint(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failover: parse endpoint %q: %w", uri, err)
	}
	return Endpoint{raw: uri, scheme: u.Scheme}, nil
}

// MustEndpoint is NewEndpoint for call sites (tests, examples) that
// already know the URI is well formed.
func MustEndpoint(uri string) Endpoint {
	e, err := NewEndpoint(uri)
	if err != nil {
		panic(err)
	}
	return e
}

// Scheme returns the endpoint's scheme, used to look up a Factory.
func (e Endpoint) Scheme() string { return e.scheme }

// String returns the endpoint's raw URI.
func (e Endpoint) String() string { return e.raw }

// Equal reports whether two endpoints denote the same address.
func (e Endpoint) Equal(o Endpoint) bool { return e.raw == o.raw }

// IsZero reports whether e is the zero Endpoint (used as an Empty
// sentinel by URIPool.Take).
func (e Endpoint) IsZero() bool { return e.raw == "" && e.scheme == "" }
