package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectWorker is the single cooperative task of §4.5: it drives
// endpoint selection, transport creation, state restoration, and
// backoff, one iterate() at a time, never concurrently with itself.
type ReconnectWorker struct {
	core *Core

	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewReconnectWorker wires a worker to the Core it drives.
func NewReconnectWorker(core *Core) *ReconnectWorker {
	return &ReconnectWorker{
		core: core,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the worker's run loop in the background.
func (w *ReconnectWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Wake schedules an iterate() pass: on the active transport dying, a
// new endpoint being added, or a rebalance request (§4.5). A pass after
// a backoff delay needs no Wake: iterate returns true and run loops at
// once. Coalesces with any wake already pending.
func (w *ReconnectWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop requests the run loop to exit and waits up to a bounded timeout
// for it to do so.
func (w *ReconnectWorker) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.done)
	}
	w.Wake()

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		w.core.logger.Warn("reconnect worker did not stop within the shutdown timeout")
	}
}

func (w *ReconnectWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		default:
		}

		moreWork := w.iterate(ctx)
		if moreWork {
			continue
		}

		if w.core.isClosed() {
			return
		}

		select {
		case <-w.wake:
		case <-w.done:
			return
		}
	}
}

// iterate runs one pass of the algorithm in §4.5. It returns true when
// the worker should call iterate again immediately (a backoff sleep
// already elapsed inside this call), and false when the worker should
// park until woken (already connected, closed, or a terminal failure).
func (w *ReconnectWorker) iterate(ctx context.Context) bool {
	c := w.core

	c.mu.Lock()
	if c.closed || c.connectionFailure != nil {
		c.cond.Broadcast()
		c.mu.Unlock()
		return false
	}
	if c.connected {
		activeEndpoint := c.connectedEndpoint
		c.mu.Unlock()
		c.backupPool.Fill(ctx)

		// §4.3/§4.7 priority preemption: a priority backup sitting idle
		// while the active connection is non-priority schedules a
		// rebalance. The next iterate() promotes the backup at the head
		// of the pool, which is the priority one only if it was filled
		// before any other backup still held.
		if c.cfg.PriorityBackup && !c.pool.IsPriority(activeEndpoint) && c.backupPool.HasPriorityReady() {
			c.Reconnect(true)
		}
		return false
	}
	firstConnection := c.firstConnection
	c.mu.Unlock()

	var transport Transport
	var endpoint Endpoint
	var failed []Endpoint
	var lastErr error

	if entry, ok := c.backupPool.Take(); ok {
		// A backup's transport was started with the disposed listener
		// attached (§3 BackupTransport invariant); promotion re-attaches
		// the inner listener and restores state exactly as the create
		// loop below does for a freshly created transport.
		entry.Transport.SetListener(&innerListener{core: c, endpoint: entry.Endpoint})
		if err := c.restoreTransport(ctx, entry.Transport); err != nil {
			entry.Transport.SetListener(theDisposedListener)
			_ = entry.Transport.Close()
			failed = append(failed, entry.Endpoint)
			lastErr = err
			c.logger.WarnContext(ctx, "backup promotion failed", "endpoint", entry.Endpoint.String(), "error", err)
		} else {
			transport = entry.Transport
			endpoint = entry.Endpoint
		}
	}

	for transport == nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			break
		}
		e, ok := c.pool.Take()
		c.mu.Unlock()
		if !ok {
			break
		}
		endpoint = e

		created, err := c.registry.Create(ctx, e)
		if err == nil {
			created.SetListener(&innerListener{core: c, endpoint: e})
			err = created.Start(ctx)
		}
		if err == nil {
			err = c.restoreTransport(ctx, created)
		}

		if err != nil {
			if created != nil {
				created.SetListener(theDisposedListener)
				_ = created.Close()
			}
			failed = append(failed, e)
			lastErr = err
			c.logger.WarnContext(ctx, "reconnect attempt failed", "endpoint", e.String(), "error", err)
			continue
		}

		transport = created
	}

	c.pool.ReturnAll(failed)

	if transport != nil {
		c.mu.Lock()
		c.connectedTransport = transport
		c.connectedEndpoint = endpoint
		c.reconnectDelay = c.cfg.InitialReconnectDelay
		c.connectFailures = 0
		c.connected = true
		c.firstConnection = false
		c.cond.Broadcast()
		c.mu.Unlock()

		c.notifyUpperResumed()
		c.backupPool.Fill(ctx)
		return false
	}

	c.mu.Lock()
	attemptCap := 0
	if firstConnection {
		attemptCap = c.cfg.StartupMaxReconnectAttempts
	}
	if attemptCap == 0 {
		attemptCap = c.cfg.MaxReconnectAttempts
	}
	c.connectFailures++
	attempts := c.connectFailures
	delay := c.reconnectDelay

	if attemptCap > 0 && attempts >= attemptCap {
		failure := &ConnectionFailureError{Cause: lastErr}
		c.connectionFailure = failure
		c.cond.Broadcast()
		c.mu.Unlock()

		c.notifyUpperException(failure)
		return false
	}
	c.mu.Unlock()

	w.sleepInterruptibly(delay)

	c.mu.Lock()
	if c.cfg.UseExponentialBackoff {
		next := time.Duration(float64(c.reconnectDelay) * c.cfg.BackoffMultiplier)
		if next > c.cfg.MaxReconnectDelay {
			next = c.cfg.MaxReconnectDelay
		}
		c.reconnectDelay = next
	}
	c.mu.Unlock()

	return true
}

// sleepInterruptibly blocks for d or until the Core's sleep gate is
// signaled by close() or reconnect(), whichever comes first. Run on a
// channel rather than the 100 ms polling loop the source used, per
// §9's redesign note.
func (w *ReconnectWorker) sleepInterruptibly(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.core.sleepWake:
	}
}

// restoreTransport performs §4.5's state-restoration sequence over a
// freshly started transport: announce the client, replay tracked
// session state, then replay every command still outstanding in the
// Request Map.
func (c *Core) restoreTransport(ctx context.Context, t Transport) error {
	identity := &Command{
		CorrelationID: NextCorrelationID(),
		Kind:          KindGeneric,
		Payload:       []byte("fault-tolerant-client"),
	}
	if err := t.Oneway(ctx, identity); err != nil {
		return err
	}

	if err := c.stateTracker.Restore(ctx, t); err != nil {
		return err
	}

	for _, entry := range c.requestMap.Snapshot() {
		if err := t.Oneway(ctx, entry.Command()); err != nil {
			return err
		}
	}
	return nil
}
