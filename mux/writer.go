package mux

import "sync"

// outboundItem is one physical frame waiting to be written. lc is nil for
// control-channel writes, which have no per-channel write-in-flight state to
// resolve.
type outboundItem struct {
	data []byte
	lc   *logicalConnection
}

// muxWriter serializes every physical write behind a single goroutine, the
// same role mux.py's _PhysicalConnectionWriter plays: the physical
// connection is one shared resource and only one goroutine may write to it
// at a time.
type muxWriter struct {
	physical PhysicalStream

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []outboundItem
	stopped bool

	// closeRequested, closeCode and closeReason carry a pending physical
	// close, performed by run itself once the queue has drained, so a
	// DropChannel enqueued just before stopAndClose is guaranteed to reach
	// the wire before the transport goes down.
	closeRequested bool
	closeCode      int
	closeReason    string

	// done is closed when run returns.
	done chan struct{}
}

func newMuxWriter(physical PhysicalStream) *muxWriter {
	w := &muxWriter{physical: physical, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// enqueue schedules data for writing. If the writer has already stopped,
// any waiting logical connection is unblocked with ErrConnectionTerminated
// instead of waiting forever.
func (w *muxWriter) enqueue(item outboundItem) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		if item.lc != nil {
			item.lc.notifyWriteDone(ErrConnectionTerminated)
		}
		return
	}

	w.queue = append(w.queue, item)
	w.cond.Signal()
}

// stop tells run to exit once its queue drains, and wakes it immediately.
func (w *muxWriter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cond.Broadcast()
}

// stopAndClose tells run to exit once its queue drains, same as stop, but
// has run perform the physical close itself immediately after the last
// queued item is written. Used by Handler.fail so a just-enqueued
// DropChannel is flushed to the wire before the transport is torn down.
func (w *muxWriter) stopAndClose(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.closeRequested = true
	w.closeCode = code
	w.closeReason = reason
	w.cond.Broadcast()
}

// run drains the outbound queue, writing each item to the physical
// connection in order, until stop is called and the queue empties or a
// physical write fails.
func (w *muxWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stopped {
			closeRequested, code, reason := w.closeRequested, w.closeCode, w.closeReason
			w.mu.Unlock()
			if closeRequested {
				_ = w.physical.CloseWithStatus(code, reason)
			}
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		err := w.physical.WriteRawBinary(item.data)
		if item.lc != nil {
			item.lc.notifyWriteDone(err)
		}
		if err != nil {
			w.stop()
			return
		}
	}
}
