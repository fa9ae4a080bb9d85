package failover

import "sync"

// mapEntry is what the Request Map stores for one outstanding
// correlation id: either a Tracked state-affecting command, or a raw
// Command that merely requested a response.
type mapEntry struct {
	tracked *Tracked
	raw     *Command
}

// Command returns the underlying command regardless of which form the
// entry holds.
func (e mapEntry) Command() *Command {
	if e.tracked != nil {
		return e.tracked.Command
	}
	return e.raw
}

// RequestMap is the correlation-id -> command table of §4.4: commands
// whose response has not yet been observed, kept so they can be
// replayed on reconnect or completed when a response arrives. It
// outlives individual underlying transports.
type RequestMap struct {
	mu      sync.Mutex
	entries map[uint64]mapEntry
}

// NewRequestMap returns an empty map.
func NewRequestMap() *RequestMap {
	return &RequestMap{entries: make(map[uint64]mapEntry)}
}

// PutTracked stores a Tracked command, keyed by its correlation id.
func (m *RequestMap) PutTracked(id uint64, tracked *Tracked) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = mapEntry{tracked: tracked}
}

// PutRaw stores an untracked command that nonetheless requested a
// response.
func (m *RequestMap) PutRaw(id uint64, cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = mapEntry{raw: cmd}
}

// Remove removes and returns the entry for id, if any. A response
// arriving for an id with no entry is not an error: the request was
// untracked or already replayed.
func (m *RequestMap) Remove(id uint64) (mapEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	return e, ok
}

// Snapshot returns a value copy of every entry, taken under the map
// lock and released before any underlying-transport call, so replay
// never reenters the lock (§9).
func (m *RequestMap) Snapshot() []mapEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mapEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Clear empties the map, used by Core.Close.
func (m *RequestMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]mapEntry)
}

// Len reports the number of outstanding entries.
func (m *RequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
