package failover

import (
	"context"
	"sync"
)

// BackupEntry is the (endpoint, started transport) tuple §3 calls
// BackupTransport.
type BackupEntry struct {
	Endpoint  Endpoint
	Transport Transport
}

// BackupPool maintains up to Size pre-connected spare transports, fed
// from a URIPool, for hot substitution on reconnect (§4.3).
type BackupPool struct {
	registry *FactoryRegistry
	pool     *URIPool
	close    *CloseWorker
	logger   *Logger

	mu             sync.Mutex
	enabled        bool
	priorityBackup bool
	size           int
	entries        []BackupEntry
}

// NewBackupPool wires a BackupPool to the collaborators it needs:
// the URIPool it draws endpoints from, the FactoryRegistry it creates
// transports with, and the CloseWorker that drains it when disabled.
func NewBackupPool(pool *URIPool, registry *FactoryRegistry, closeWorker *CloseWorker, logger *Logger) *BackupPool {
	return &BackupPool{
		registry: registry,
		pool:     pool,
		close:    closeWorker,
		logger:   logger.WithComponent("backup-pool"),
	}
}

// SetEnabled turns the backup pool on or off. Disabling drains every
// held backup via the Close-Transports Worker.
func (b *BackupPool) SetEnabled(enabled bool) {
	b.mu.Lock()
	was := b.enabled
	b.enabled = enabled
	var drained []BackupEntry
	if was && !enabled {
		drained, b.entries = b.entries, nil
	}
	b.mu.Unlock()

	for _, e := range drained {
		e.Transport.SetListener(theDisposedListener)
		b.close.Enqueue(e.Transport)
		b.pool.Return(e.Endpoint)
	}
}

// SetSize sets the target number of idle backups.
func (b *BackupPool) SetSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = n
}

// SetPriorityBackup records the priority-backup setting. Fill draws
// through URIPool.Take, which always prefers the priority tier, so
// Fill selects endpoints the same way whether or not it is set.
func (b *BackupPool) SetPriorityBackup(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priorityBackup = v
}

// Take removes and returns one ready backup, if any.
func (b *BackupPool) Take() (BackupEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return BackupEntry{}, false
	}
	e := b.entries[0]
	b.entries = b.entries[1:]
	return e, true
}

// HasPriorityReady reports whether a priority-endpoint backup is
// waiting for promotion, used by the Reconnect Worker to schedule a
// rebalance when the active connection is non-priority (§4.7).
func (b *BackupPool) HasPriorityReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if b.pool.IsPriority(e.Endpoint) {
			return true
		}
	}
	return false
}

// Fill tops the pool up to Size, drawing endpoints from the URIPool and
// starting a transport with the disposed listener attached for each.
// A creation failure returns the endpoint to the pool and abandons that
// attempt until the next call.
func (b *BackupPool) Fill(ctx context.Context) {
	b.mu.Lock()
	enabled := b.enabled
	target := b.size
	priorityBias := b.priorityBackup
	b.mu.Unlock()

	if !enabled {
		return
	}

	for {
		b.mu.Lock()
		need := target - len(b.entries)
		b.mu.Unlock()
		if need <= 0 {
			return
		}

		if priorityBias && b.pool.HasAvailablePriority() {
			// URIPool.Take already prefers the priority tier; nothing
			// more to do here beyond trying.
		}

		endpoint, ok := b.pool.Take()
		if !ok {
			return
		}

		transport, err := b.registry.Create(ctx, endpoint)
		if err != nil {
			b.pool.Return(endpoint)
			b.logger.WarnContext(ctx, "backup creation failed", "endpoint", endpoint.String(), "error", err)
			return
		}

		transport.SetListener(theDisposedListener)
		if err := transport.Start(ctx); err != nil {
			_ = transport.Close()
			b.pool.Return(endpoint)
			b.logger.WarnContext(ctx, "backup start failed", "endpoint", endpoint.String(), "error", err)
			return
		}

		b.mu.Lock()
		b.entries = append(b.entries, BackupEntry{Endpoint: endpoint, Transport: transport})
		b.mu.Unlock()
	}
}

// Len reports the current number of idle backups.
func (b *BackupPool) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
