package failover

import (
	"math/rand"
	"sync"
)

// URIPool is the ordered multiset of candidate endpoints described in
// §4.1: disjoint available/priority/in-use sets, with Take atomically
// moving an endpoint from available to in-use.
//
// Invariants: an endpoint is in at most one of {available, in-use};
// Take never yields an in-use endpoint; removing an in-use endpoint
// defers exclusion until it is returned by Take's caller.
type URIPool struct {
	mu        sync.Mutex
	available []Endpoint
	priority  map[string]bool
	inUse     map[string]bool
	randomize bool
	// pendingRemoval holds endpoints removed while in-use; they are
	// dropped from `available` the next time they're returned instead
	// of being re-added.
	pendingRemoval map[string]bool
}

// NewURIPool returns an empty pool.
func NewURIPool() *URIPool {
	return &URIPool{
		priority:       make(map[string]bool),
		inUse:          make(map[string]bool),
		pendingRemoval: make(map[string]bool),
	}
}

// SetRandomize toggles whether Take picks uniformly at random within
// the highest-priority non-empty tier, versus FIFO.
func (p *URIPool) SetRandomize(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.randomize = b
}

// Add inserts e if not already present (available or in-use).
// Duplicate adds are idempotent.
func (p *URIPool) Add(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(e)
}

func (p *URIPool) addLocked(e Endpoint) {
	if p.inUse[e.String()] {
		delete(p.pendingRemoval, e.String())
		return
	}
	for _, existing := range p.available {
		if existing.Equal(e) {
			return
		}
	}
	p.available = append(p.available, e)
}

// AddAll inserts every endpoint in es.
func (p *URIPool) AddAll(es []Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range es {
		p.addLocked(e)
	}
}

// AddPriority inserts e and marks it as a priority endpoint.
func (p *URIPool) AddPriority(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(e)
	p.priority[e.String()] = true
}

// Remove drops e from the pool. If e is currently in-use, the removal
// is deferred: e is excluded only once its transport is retired and
// Return is called for it (§8 round-trip law).
func (p *URIPool) Remove(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse[e.String()] {
		p.pendingRemoval[e.String()] = true
		return
	}

	for i, existing := range p.available {
		if existing.Equal(e) {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	delete(p.priority, e.String())
}

// Contains reports whether e is tracked by the pool, in either set.
func (p *URIPool) Contains(e Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[e.String()] {
		return true
	}
	for _, existing := range p.available {
		if existing.Equal(e) {
			return true
		}
	}
	return false
}

// IsPriority reports whether e is marked preferred.
func (p *URIPool) IsPriority(e Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority[e.String()]
}

// Take picks an endpoint from available respecting randomization and
// priority tiers, and atomically moves it to in-use. The zero Endpoint
// is returned with ok=false when available is empty.
func (p *URIPool) Take() (e Endpoint, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return Endpoint{}, false
	}

	idx := p.selectIndexLocked()
	chosen := p.available[idx]
	p.available = append(p.available[:idx], p.available[idx+1:]...)
	p.inUse[chosen.String()] = true
	return chosen, true
}

// selectIndexLocked picks the index to take from, preferring the
// highest-priority non-empty tier; within a tier, random if randomize
// is set, FIFO otherwise. Caller holds p.mu.
func (p *URIPool) selectIndexLocked() int {
	priorityIdxs := make([]int, 0, len(p.available))
	for i, e := range p.available {
		if p.priority[e.String()] {
			priorityIdxs = append(priorityIdxs, i)
		}
	}

	pool := priorityIdxs
	if len(pool) == 0 {
		pool = make([]int, len(p.available))
		for i := range p.available {
			pool[i] = i
		}
	}

	if p.randomize {
		return pool[rand.Intn(len(pool))]
	}
	return pool[0]
}

// Return moves e from in-use back to available, unless it was removed
// while in-use, in which case it is dropped entirely.
func (p *URIPool) Return(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returnLocked(e)
}

func (p *URIPool) returnLocked(e Endpoint) {
	delete(p.inUse, e.String())
	if p.pendingRemoval[e.String()] {
		delete(p.pendingRemoval, e.String())
		delete(p.priority, e.String())
		return
	}
	p.available = append(p.available, e)
}

// ReturnAll returns every endpoint in es to available, in the order
// given, applying the same pending-removal exclusion Return does.
func (p *URIPool) ReturnAll(es []Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range es {
		p.returnLocked(e)
	}
}

// Clear empties the pool entirely, including in-use tracking.
func (p *URIPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = nil
	p.priority = make(map[string]bool)
	p.inUse = make(map[string]bool)
	p.pendingRemoval = make(map[string]bool)
}

// AvailableCount reports how many endpoints are currently selectable.
func (p *URIPool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// HasAvailablePriority reports whether a priority endpoint is currently
// selectable, used for §4.3's priority-backup preemption bias.
func (p *URIPool) HasAvailablePriority() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.available {
		if p.priority[e.String()] {
			return true
		}
	}
	return false
}
