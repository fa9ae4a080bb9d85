package failover

import "testing"

func TestURIPool_TakeExcludesInUse(t *testing.T) {
	p := NewURIPool()
	a := MustEndpoint("tcp://a")
	b := MustEndpoint("tcp://b")
	p.AddAll([]Endpoint{a, b})

	first, ok := p.Take()
	if !ok {
		t.Fatal("expected an endpoint")
	}

	second, ok := p.Take()
	if !ok {
		t.Fatal("expected a second endpoint")
	}

	if first.Equal(second) {
		t.Fatal("Take returned the same endpoint twice while the first was still in-use")
	}

	if _, ok := p.Take(); ok {
		t.Fatal("expected Empty once both endpoints are in-use")
	}
}

func TestURIPool_AddIdempotent(t *testing.T) {
	p := NewURIPool()
	e := MustEndpoint("tcp://a")
	p.Add(e)
	p.Add(e)
	if p.AvailableCount() != 1 {
		t.Fatalf("expected 1 available endpoint after duplicate adds, got %d", p.AvailableCount())
	}
}

func TestURIPool_RemoveDefersWhileInUse(t *testing.T) {
	p := NewURIPool()
	e := MustEndpoint("tcp://a")
	p.Add(e)

	taken, ok := p.Take()
	if !ok {
		t.Fatal("expected to take the endpoint")
	}

	p.Remove(e)
	if !p.Contains(e) {
		t.Fatal("expected endpoint to stay tracked as in-use until returned")
	}

	p.Return(taken)
	if p.Contains(e) {
		t.Fatal("expected endpoint to be excluded after being returned post-removal")
	}
}

func TestURIPool_PriorityPreferredOverNonPriority(t *testing.T) {
	p := NewURIPool()
	p.SetRandomize(false)
	nonPriority := MustEndpoint("tcp://b")
	priority := MustEndpoint("tcp://a")
	p.Add(nonPriority)
	p.AddPriority(priority)

	taken, ok := p.Take()
	if !ok {
		t.Fatal("expected an endpoint")
	}
	if !taken.Equal(priority) {
		t.Fatalf("expected the priority endpoint to be taken first, got %s", taken)
	}
}

func TestURIPool_ReturnAllPreservesOrder(t *testing.T) {
	p := NewURIPool()
	p.SetRandomize(false)
	a := MustEndpoint("tcp://a")
	b := MustEndpoint("tcp://b")
	p.AddAll([]Endpoint{a, b})

	p.Take()
	p.Take()
	p.ReturnAll([]Endpoint{a, b})

	first, _ := p.Take()
	if !first.Equal(a) {
		t.Fatalf("expected FIFO order to surface %s first, got %s", a, first)
	}
}
