package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tracked is what a StateTracker hands back for a command it recognizes
// as protocol-state-affecting. OnResponse, if non-nil, is invoked when a
// matching response arrives through the Request Map's response path.
type Tracked struct {
	Command            *Command
	WaitingForResponse bool
	OnResponse         func(*Command)
}

// StateTracker is an external collaborator (§6): it records
// protocol-visible state changes (subscriptions, producer/consumer
// registrations, unacknowledged messages, transaction state) and
// produces a restore plan for a newly connected transport. The
// failover core only depends on this interface; a concrete
// implementation belongs to the session/producer/consumer layer this
// package does not own.
type StateTracker interface {
	// Track offers cmd to the tracker. It returns (tracked, true) if
	// cmd is state-affecting, or (nil, false) if the core should treat
	// cmd as an ordinary untracked command.
	Track(cmd *Command) (*Tracked, bool)
	// TrackBack is called after cmd was handed to a transport
	// successfully, letting the tracker fold the command into its
	// durable state (e.g. marking a subscribe as confirmed).
	TrackBack(cmd *Command)
	// Restore replays, in dependency order, every command needed to
	// rebuild broker-visible state on transport, plus redelivery of
	// unacknowledged messages when enabled.
	Restore(ctx context.Context, transport Transport) error
	TransportInterrupted()
	ConnectionInterruptProcessingComplete(id uint64)
	SetMaxCacheSize(n int)
	SetTrackMessages(b bool)
	SetTrackTransactionProducers(b bool)
}

// NopStateTracker treats every command as untracked and restores
// nothing. It is the default used when a caller has no session state
// worth preserving across reconnects (e.g. a pure command-fire client,
// or most unit tests).
type NopStateTracker struct{}

func (NopStateTracker) Track(*Command) (*Tracked, bool)              { return nil, false }
func (NopStateTracker) TrackBack(*Command)                           {}
func (NopStateTracker) Restore(context.Context, Transport) error     { return nil }
func (NopStateTracker) TransportInterrupted()                        {}
func (NopStateTracker) ConnectionInterruptProcessingComplete(uint64)  {}
func (NopStateTracker) SetMaxCacheSize(int)                           {}
func (NopStateTracker) SetTrackMessages(bool)                         {}
func (NopStateTracker) SetTrackTransactionProducers(bool)             {}

// stateRank orders tracked kinds for Restore's dependency-ordered
// replay: connections before sessions before destinations before
// producers/consumers before transaction state.
type stateRank int

const (
	rankConnection stateRank = iota
	rankSession
	rankDestination
	rankProducerConsumer
	rankTransaction
)

// trackedEntry is what MemoryStateTracker retains for one piece of
// session state.
type trackedEntry struct {
	rank stateRank
	cmd  *Command
}

// MemoryStateTracker is a minimal, in-memory reference StateTracker
// suitable for tests and for callers with no external session-object
// graph of their own: it records KindAck, KindRemoveConsumer,
// KindRemoveProducer, and KindRemoveDestination commands as
// state-affecting (every other Kind is untracked), and replays them back
// in rank order on Restore.
type MemoryStateTracker struct {
	mu                        sync.Mutex
	entries                   map[uint64]trackedEntry
	maxCacheSize              int
	trackMessages             bool
	trackTransactionProducers bool
}

// NewMemoryStateTracker constructs a MemoryStateTracker with tracking
// enabled for both messages and transaction producers, matching
// Config's defaults.
func NewMemoryStateTracker() *MemoryStateTracker {
	return &MemoryStateTracker{
		entries:                   make(map[uint64]trackedEntry),
		maxCacheSize:              256,
		trackMessages:             true,
		trackTransactionProducers: true,
	}
}

func (t *MemoryStateTracker) Track(cmd *Command) (*Tracked, bool) {
	rank, ok := rankOf(cmd.Kind)
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	if len(t.entries) >= t.maxCacheSize {
		t.evictOldestLocked()
	}
	t.entries[cmd.CorrelationID] = trackedEntry{rank: rank, cmd: cmd}
	t.mu.Unlock()

	return &Tracked{Command: cmd, WaitingForResponse: cmd.ResponseRequired}, true
}

func (t *MemoryStateTracker) evictOldestLocked() {
	var oldest uint64
	first := true
	for id := range t.entries {
		if first || id < oldest {
			oldest, first = id, false
		}
	}
	if !first {
		delete(t.entries, oldest)
	}
}

func (t *MemoryStateTracker) TrackBack(cmd *Command) {
	// The command already survived transmission; nothing further to
	// reconcile for this reference implementation.
}

func (t *MemoryStateTracker) Restore(ctx context.Context, transport Transport) error {
	t.mu.Lock()
	ordered := make([]trackedEntry, 0, len(t.entries))
	for _, e := range t.entries {
		ordered = append(ordered, e)
	}
	t.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].rank != ordered[j].rank {
			return ordered[i].rank < ordered[j].rank
		}
		return ordered[i].cmd.CorrelationID < ordered[j].cmd.CorrelationID
	})

	for _, e := range ordered {
		if err := transport.Oneway(ctx, e.cmd); err != nil {
			return fmt.Errorf("restore: replay %d: %w", e.cmd.CorrelationID, err)
		}
	}
	return nil
}

func (t *MemoryStateTracker) TransportInterrupted() {}

func (t *MemoryStateTracker) ConnectionInterruptProcessingComplete(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

func (t *MemoryStateTracker) SetMaxCacheSize(n int) {
	t.mu.Lock()
	t.maxCacheSize = n
	t.mu.Unlock()
}

func (t *MemoryStateTracker) SetTrackMessages(b bool) {
	t.mu.Lock()
	t.trackMessages = b
	t.mu.Unlock()
}

func (t *MemoryStateTracker) SetTrackTransactionProducers(b bool) {
	t.mu.Lock()
	t.trackTransactionProducers = b
	t.mu.Unlock()
}

func rankOf(k CommandKind) (stateRank, bool) {
	switch k {
	case KindRemoveConsumer, KindRemoveProducer:
		return rankProducerConsumer, true
	case KindRemoveDestination:
		return rankDestination, true
	case KindAck:
		return rankTransaction, true
	default:
		return 0, false
	}
}
