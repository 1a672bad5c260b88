package mux

import "sync"

// channelState is the lifecycle of one side (read or write) of a logical
// channel (spec.md §4.4).
type channelState int

const (
	channelActive channelState = iota
	channelGracefullyClosed
	channelTerminated
)

// logicalConnection is one logical channel's frame-level state: an inbound
// queue of decoded inner frames, and a single-write-in-flight outbound slot
// synchronized with the handler's physical writer (spec.md §4.4, §4.6,
// §4.8). It plays the role mux.py's _LogicalConnection class plays, using a
// pair of condition variables instead of the original's event objects.
type logicalConnection struct {
	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	handler   *Handler
	channelID uint32

	readState  channelState
	writeState channelState

	inbound []innerFrame

	writeInFlight bool
	writeErr      error

	sendQuota uint64
	extraCost uint64
}

func newLogicalConnection(h *Handler, channelID uint32, sendQuota, extraCost uint64) *logicalConnection {
	lc := &logicalConnection{
		handler:   h,
		channelID: channelID,
		sendQuota: sendQuota,
		extraCost: extraCost,
	}
	lc.readCond = sync.NewCond(&lc.mu)
	lc.writeCond = sync.NewCond(&lc.mu)
	return lc
}

// appendFrame queues a decoded inner frame for the worker to consume. It is
// called from the physical reader goroutine.
func (lc *logicalConnection) appendFrame(f innerFrame) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.inbound = append(lc.inbound, f)
	lc.readCond.Signal()
}

// setReadState forces the channel's read side into state, waking any
// blocked reader.
func (lc *logicalConnection) setReadState(state channelState) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.readState == channelActive {
		lc.readState = state
	}
	lc.readCond.Broadcast()
}

// setWriteState forces the channel's write side into state, waking any
// blocked or quota-starved writer.
func (lc *logicalConnection) setWriteState(state channelState) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.writeState == channelActive {
		lc.writeState = state
	}
	lc.writeCond.Broadcast()
}

// readFrame blocks until a queued frame is available or the channel's read
// side leaves the Active state (spec.md §4.4).
func (lc *logicalConnection) readFrame() (innerFrame, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for len(lc.inbound) == 0 && lc.readState == channelActive {
		lc.readCond.Wait()
	}

	if len(lc.inbound) > 0 {
		f := lc.inbound[0]
		lc.inbound = lc.inbound[1:]
		return f, nil
	}

	if lc.readState == channelGracefullyClosed {
		return innerFrame{}, ErrLogicalConnectionClosed
	}
	return innerFrame{}, ErrConnectionTerminated
}

// write hands one inner frame to the handler's physical writer and blocks
// until it has been flushed, enforcing spec.md §4.4's single-write-in-flight
// rule and §4.8's per-channel send_quota.
func (lc *logicalConnection) write(fin bool, opcode byte, payload []byte) error {
	needed := uint64(len(payload)) + lc.extraCost

	lc.mu.Lock()
	if lc.writeState != channelActive {
		lc.mu.Unlock()
		return ErrConnectionTerminated
	}
	if lc.writeInFlight {
		lc.mu.Unlock()
		return ErrWriteInFlight
	}

	for lc.sendQuota < needed && lc.writeState == channelActive {
		lc.writeCond.Wait()
	}
	if lc.writeState != channelActive {
		lc.mu.Unlock()
		return ErrConnectionTerminated
	}
	lc.sendQuota -= needed
	lc.writeInFlight = true
	lc.mu.Unlock()

	frame := encodeInnerFrame(lc.channelID, fin, opcode, payload)
	lc.handler.enqueueWrite(lc.channelID, frame, lc)

	lc.mu.Lock()
	for lc.writeInFlight {
		lc.writeCond.Wait()
	}
	err := lc.writeErr
	lc.writeErr = nil
	lc.mu.Unlock()

	return err
}

// notifyWriteDone is called by the handler's writer goroutine once a frame
// queued by write has actually been placed on the physical connection.
func (lc *logicalConnection) notifyWriteDone(err error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.writeInFlight = false
	lc.writeErr = err
	lc.writeCond.Broadcast()
}

// grantSendQuota replenishes the channel's outbound send_quota on receipt of
// a FlowControl control block (spec.md §4.3, §4.8).
func (lc *logicalConnection) grantSendQuota(n uint64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.sendQuota += n
	lc.writeCond.Broadcast()
}
