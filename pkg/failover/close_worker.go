package failover

import (
	"sync"
)

// CloseWorker asynchronously closes retired transports (§4.2) so no
// caller ever blocks on a peer close, and a transport's own close
// reentering the listener path can never deadlock against a lock the
// caller holds.
type CloseWorker struct {
	logger *Logger

	mu      sync.Mutex
	ch      chan Transport
	stopped bool
	wg      sync.WaitGroup
}

// NewCloseWorker returns a worker with its background drain loop
// already running.
func NewCloseWorker(logger *Logger) *CloseWorker {
	w := &CloseWorker{
		logger: logger.WithComponent("close-worker"),
		ch:     make(chan Transport, 64),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *CloseWorker) run() {
	defer w.wg.Done()
	for t := range w.ch {
		if err := t.Close(); err != nil {
			w.logger.Warn("failed to close retired transport", "remote", t.RemoteAddress(), "error", err)
		}
	}
}

// Enqueue schedules t to be closed on the worker's goroutine. The
// caller returns immediately: if the queue is momentarily full, a
// dedicated goroutine performs the close instead of blocking here.
func (w *CloseWorker) Enqueue(t Transport) {
	if t == nil {
		return
	}

	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		go func() { _ = t.Close() }()
		return
	}

	select {
	case w.ch <- t:
	default:
		go func() {
			if err := t.Close(); err != nil {
				w.logger.Warn("failed to close retired transport", "remote", t.RemoteAddress(), "error", err)
			}
		}()
	}
}

// Stop closes the intake channel and waits for the drain loop to
// finish closing whatever is already queued.
func (w *CloseWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
