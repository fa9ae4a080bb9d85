package failover

import (
	"context"
	"sync"
	"time"
)

// Core is the public failover transport façade of §4.7: it presents a
// single logical connection over a pool of candidate endpoints,
// reconnecting and replaying transparently underneath.
type Core struct {
	cfg          *Config
	pool         *URIPool
	registry     *FactoryRegistry
	closeWorker  *CloseWorker
	backupPool   *BackupPool
	requestMap   *RequestMap
	stateTracker StateTracker
	logger       *Logger
	worker       *ReconnectWorker

	// reconnect lock + condition: guards every field below and
	// coordinates Oneway waiters with the Reconnect Worker.
	mu   sync.Mutex
	cond *sync.Cond

	// sleep gate: only ever used to interrupt the Worker's backoff
	// sleep from Close or Reconnect. Never held across another lock.
	sleepWake chan struct{}

	// listener lock: guards the upper-listener pointer.
	listenerMu sync.Mutex
	listener   Listener

	closed             bool
	started            bool
	connected          bool
	initialized        bool
	firstConnection    bool
	connectionFailure  error
	connectedTransport Transport
	connectedEndpoint  Endpoint
	reconnectDelay     time.Duration
	connectFailures    int
	lastUpdatedBrokers []Endpoint
}

// NewCore wires a Core from its collaborators. tracker may be nil, in
// which case NopStateTracker is used.
func NewCore(cfg *Config, registry *FactoryRegistry, tracker StateTracker, logger *Logger) *Core {
	if tracker == nil {
		tracker = NopStateTracker{}
	}
	scoped := logger.WithComponent("core")

	pool := NewURIPool()
	pool.SetRandomize(cfg.Randomize)

	closeWorker := NewCloseWorker(scoped)
	backupPool := NewBackupPool(pool, registry, closeWorker, scoped)
	backupPool.SetSize(cfg.BackupPoolSize)
	backupPool.SetPriorityBackup(cfg.PriorityBackup)

	tracker.SetMaxCacheSize(cfg.MaxCacheSize)
	tracker.SetTrackMessages(cfg.TrackMessages)
	tracker.SetTrackTransactionProducers(cfg.TrackTransactionProducers)

	c := &Core{
		cfg:             cfg,
		pool:            pool,
		registry:        registry,
		closeWorker:     closeWorker,
		backupPool:      backupPool,
		requestMap:      NewRequestMap(),
		stateTracker:    tracker,
		logger:          scoped,
		sleepWake:       make(chan struct{}, 1),
		firstConnection: true,
		reconnectDelay:  cfg.InitialReconnectDelay,
	}
	c.cond = sync.NewCond(&c.mu)
	c.worker = NewReconnectWorker(c)
	return c
}

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Start is idempotent: it launches the Reconnect Worker and, if
// backups are enabled, the Backup Pool, and kicks a reconnect if no
// transport is yet active.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	hasTransport := c.connectedTransport != nil
	c.mu.Unlock()

	c.backupPool.SetEnabled(c.cfg.Backup)
	c.worker.Start(ctx)
	if !hasTransport {
		c.wakeWorker()
	}
	return nil
}

// Close is idempotent: it marks the Core closed, disables the Backup
// Pool, clears the Request Map, wakes every waiter with
// TransportDisposed, shuts the Worker down within a bounded timeout,
// and closes the active transport.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.connectedTransport
	c.connectedTransport = nil
	c.connected = false
	c.cond.Broadcast()
	c.mu.Unlock()

	c.backupPool.SetEnabled(false)
	c.requestMap.Clear()
	c.interruptSleep()
	c.worker.Stop()
	c.closeWorker.Stop()

	if t != nil {
		t.SetListener(theDisposedListener)
		return t.Close()
	}
	return nil
}

// Oneway implements the send path of §4.4.
func (c *Core) Oneway(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportDisposed
	}
	c.mu.Unlock()

	if cmd.Kind == KindShutdown {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if !connected {
			return nil
		}
	}

	if cmd.Kind.staleOnReconnect() {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if !connected {
			c.shortCircuitStale(cmd)
			return nil
		}
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrIllegalState
	}

	var deadline time.Time
	hasDeadline := c.cfg.Timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	for {
		c.mu.Lock()
		for !c.closed && c.connectionFailure == nil && !c.connected {
			if hasDeadline {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					c.mu.Unlock()
					return &FailoverTimeoutError{Timeout: c.cfg.Timeout}
				}
				c.condWaitTimeout(remaining)
			} else {
				c.cond.Wait()
			}
		}
		if c.closed {
			c.mu.Unlock()
			return ErrTransportDisposed
		}
		if c.connectionFailure != nil {
			err := c.connectionFailure
			c.mu.Unlock()
			return err
		}
		transport := c.connectedTransport
		c.mu.Unlock()

		if transport == nil {
			// Connected flipped true but the transport handoff hasn't
			// landed yet; loop back and wait again.
			continue
		}

		tracked, isTracked := c.stateTracker.Track(cmd)
		if isTracked {
			if tracked.WaitingForResponse {
				c.requestMap.PutTracked(cmd.CorrelationID, tracked)
			}
		} else if cmd.ResponseRequired {
			c.requestMap.PutRaw(cmd.CorrelationID, cmd)
		}

		err := transport.Oneway(ctx, cmd)
		if err == nil {
			c.stateTracker.TrackBack(cmd)
			return nil
		}

		if isTracked {
			c.handleTransportFailure(err)
		} else {
			c.requestMap.Remove(cmd.CorrelationID)
		}
		// Re-enter the wait-for-connected-transport step and retry.
	}
}

// shortCircuitStale implements §4.4 step 3: while disconnected, a
// stale-on-reconnect command is folded into the State Tracker and, if
// it requested a response, completed synthetically rather than queued.
func (c *Core) shortCircuitStale(cmd *Command) {
	if tracked, ok := c.stateTracker.Track(cmd); ok && tracked != nil {
		c.stateTracker.TrackBack(cmd)
	}
	if !cmd.ResponseRequired {
		return
	}

	resp := NewResponse(cmd.CorrelationID, nil)
	if entry, ok := c.requestMap.Remove(cmd.CorrelationID); ok {
		if entry.tracked != nil && entry.tracked.OnResponse != nil {
			entry.tracked.OnResponse(resp)
			return
		}
	}
	c.dispatchUpper(func(l Listener) { l.OnCommand(resp) })
}

// condWaitTimeout waits on c.cond for at most d. Caller holds c.mu.
func (c *Core) condWaitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
}

// SetListener installs l as the upper listener, under the listener lock.
func (c *Core) SetListener(l Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

// GetListener returns the currently installed upper listener, if any.
func (c *Core) GetListener() Listener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return c.listener
}

// AddEndpoint adds e to the endpoint pool and wakes the Worker.
func (c *Core) AddEndpoint(e Endpoint) {
	c.pool.Add(e)
	c.wakeWorker()
}

// AddEndpoints adds es to the endpoint pool, optionally forcing a
// rebalance so the new endpoints are considered immediately.
func (c *Core) AddEndpoints(es []Endpoint, rebalance bool) {
	c.pool.AddAll(es)
	if rebalance {
		c.Reconnect(true)
		return
	}
	c.wakeWorker()
}

// RemoveEndpoints removes es from the endpoint pool. The removal is
// performed under the reconnect lock so an in-flight reconnect cannot
// re-select an endpoint that is being removed (§4.7, §9 Open Question
// on removeURI ordering).
func (c *Core) RemoveEndpoints(es []Endpoint, rebalance bool) {
	c.mu.Lock()
	for _, e := range es {
		c.pool.Remove(e)
	}
	c.mu.Unlock()

	if rebalance {
		c.Reconnect(true)
	}
}

// Reconnect wakes the Worker, cutting short any backoff sleep in
// progress; if rebalance is true, the active transport is first retired
// to the Close-Transports Worker and its endpoint returned to the pool,
// so the next iterate() selects anew.
func (c *Core) Reconnect(rebalance bool) {
	if rebalance {
		c.mu.Lock()
		t := c.connectedTransport
		var endpoint Endpoint
		if t != nil {
			endpoint = c.connectedEndpoint
			c.connectedTransport = nil
			c.connectedEndpoint = Endpoint{}
			c.connected = false
			c.initialized = false
		}
		c.mu.Unlock()

		if t != nil {
			t.SetListener(theDisposedListener)
			c.closeWorker.Enqueue(t)
			c.pool.Return(endpoint)
			c.notifyUpperInterrupted()
		}
	}
	c.interruptSleep()
	c.wakeWorker()
}

// ReconnectTo adds e to the pool and forces a rebalance onto it (or
// another candidate, depending on priority/randomization).
func (c *Core) ReconnectTo(e Endpoint) {
	c.pool.Add(e)
	c.Reconnect(true)
}

// IsPending reports whether the Core is started, not closed, not
// connected, and has not exhausted its reconnect-attempt cap.
func (c *Core) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed && !c.connected && c.connectionFailure == nil
}

func (c *Core) wakeWorker() {
	c.worker.Wake()
}

func (c *Core) interruptSleep() {
	select {
	case c.sleepWake <- struct{}{}:
	default:
	}
}

// handleTransportFailure implements §4.7: the active transport is
// detached, handed to the Close-Transports Worker, its endpoint
// returned to the pool, and both the State Tracker and upper listener
// are notified of the interruption.
func (c *Core) handleTransportFailure(err error) {
	c.mu.Lock()
	t := c.connectedTransport
	var endpoint Endpoint
	if t != nil {
		endpoint = c.connectedEndpoint
		c.connectedTransport = nil
		c.connectedEndpoint = Endpoint{}
	}
	c.connected = false
	c.initialized = false
	started := c.started
	c.mu.Unlock()

	if t == nil {
		return
	}

	t.SetListener(theDisposedListener)
	c.closeWorker.Enqueue(t)
	c.pool.Return(endpoint)
	c.stateTracker.TransportInterrupted()
	c.notifyUpperInterrupted()

	if started {
		c.wakeWorker()
	}

	c.logger.Warn("transport failed", "endpoint", endpoint.String(), "error", err)
}

// onInnerCommand is the Inner Listener's onCommand route (§4.6).
func (c *Core) onInnerCommand(endpoint Endpoint, cmd *Command) {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	switch cmd.Kind {
	case KindResponse:
		c.processResponse(cmd)
	case KindConnectionControl:
		c.handleConnectionControl(cmd)
	}

	c.dispatchUpper(func(l Listener) { l.OnCommand(cmd) })
}

// onInnerException is the Inner Listener's onException route (§4.6).
// Exceptions from a transport that is no longer the active one are
// stale callbacks from a retiring transport and are ignored.
func (c *Core) onInnerException(endpoint Endpoint, err error) {
	c.mu.Lock()
	isActive := c.connectedTransport != nil && c.connectedEndpoint.Equal(endpoint)
	c.mu.Unlock()
	if !isActive {
		return
	}
	c.handleTransportFailure(err)
}

func (c *Core) processResponse(cmd *Command) {
	entry, ok := c.requestMap.Remove(cmd.InReplyTo)
	if !ok {
		return
	}
	if entry.tracked != nil && entry.tracked.OnResponse != nil {
		entry.tracked.OnResponse(cmd)
	}
}

// handleConnectionControl implements §4.8.
func (c *Core) handleConnectionControl(cmd *Command) {
	if cmd.ReconnectTo != nil && !cmd.ReconnectTo.IsZero() && c.cfg.ReconnectSupported {
		c.ReconnectTo(*cmd.ReconnectTo)
	}
	if cmd.ConnectedBrokers != nil && c.cfg.UpdateURIsSupported {
		c.updateConnectedBrokers(cmd.ConnectedBrokers, cmd.Rebalance)
	}
}

// updateConnectedBrokers computes the symmetric difference against the
// last broker-supplied list, removing endpoints that disappeared and
// adding new ones, rebalancing iff both the server requested it and
// rebalance-update-uris is configured on.
func (c *Core) updateConnectedBrokers(list []Endpoint, requestRebalance bool) {
	c.mu.Lock()
	prev := c.lastUpdatedBrokers
	c.lastUpdatedBrokers = append([]Endpoint(nil), list...)
	c.mu.Unlock()

	prevSet := make(map[string]Endpoint, len(prev))
	for _, e := range prev {
		prevSet[e.String()] = e
	}
	nextSet := make(map[string]Endpoint, len(list))
	for _, e := range list {
		nextSet[e.String()] = e
	}

	for key, e := range prevSet {
		if _, ok := nextSet[key]; !ok {
			c.pool.Remove(e)
		}
	}
	for key, e := range nextSet {
		if _, ok := prevSet[key]; !ok {
			c.pool.Add(e)
		}
	}

	if c.cfg.RebalanceUpdateURIs && requestRebalance {
		c.Reconnect(true)
	}
}

func (c *Core) notifyUpperInterrupted() {
	c.dispatchUpper(func(l Listener) { l.TransportInterrupted() })
}

func (c *Core) notifyUpperResumed() {
	c.dispatchUpper(func(l Listener) { l.TransportResumed() })
}

func (c *Core) notifyUpperException(err error) {
	c.dispatchUpper(func(l Listener) { l.OnException(err) })
}

func (c *Core) dispatchUpper(fn func(Listener)) {
	c.listenerMu.Lock()
	l := c.listener
	c.listenerMu.Unlock()
	if l != nil {
		fn(l)
	}
}
