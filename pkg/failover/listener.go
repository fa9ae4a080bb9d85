package failover

// Listener is the shape shared by the Inner Listener (installed on
// every underlying transport, §4.6) and the Upper Listener exported to
// callers (§6). Implementations must be safe to invoke from arbitrary
// goroutines: the core calls back from the Reconnect Worker and from
// whatever goroutine an underlying transport uses to deliver inbound
// commands.
type Listener interface {
	OnCommand(cmd *Command)
	OnException(err error)
	TransportInterrupted()
	TransportResumed()
}

// disposedListener discards every event. It is installed on transports
// handed to the Close-Transports Worker or held in the Backup Pool so
// late callbacks from a retiring transport cannot reach the core.
type disposedListener struct{}

func (disposedListener) OnCommand(*Command)    {}
func (disposedListener) OnException(error)     {}
func (disposedListener) TransportInterrupted() {}
func (disposedListener) TransportResumed()     {}

var theDisposedListener Listener = disposedListener{}

// innerListener adapts a single underlying transport's events to Core
// methods, per §4.6.
type innerListener struct {
	core     *Core
	endpoint Endpoint
}

func (l *innerListener) OnCommand(cmd *Command) {
	l.core.onInnerCommand(l.endpoint, cmd)
}

func (l *innerListener) OnException(err error) {
	l.core.onInnerException(l.endpoint, err)
}

func (l *innerListener) TransportInterrupted() {
	l.core.notifyUpperInterrupted()
}

func (l *innerListener) TransportResumed() {
	l.core.notifyUpperResumed()
}
