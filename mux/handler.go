package mux

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Channel 0 is reserved for control blocks; channel 1 is the implicitly
// opened default channel carrying the original physical handshake's traffic
// (spec.md §3).
const (
	controlChannelID = 0
	defaultChannelID = 1
)

// LogicalRequest is the resolved opening-handshake request for one logical
// channel, after identity/delta decoding (spec.md §3, §4.3).
type LogicalRequest struct {
	Method  string
	URI     string
	Headers http.Header
}

// channelEntry is the handler's bookkeeping for one active logical channel.
type channelEntry struct {
	conn   *logicalConnection
	stream *logicalStream
	req    *LogicalRequest

	// recvQuotaGranted/recvQuotaRemaining track how much more data the peer
	// may send on this channel before the handler must reject it as a
	// send_quota violation, and when to replenish it with a FlowControl
	// control block (spec.md §4.8).
	recvQuotaGranted   uint64
	recvQuotaRemaining uint64

	// dropAcked is set once a DropChannel for this channel has been sent or
	// received, so notifyWorkerDone does not send a second one.
	dropAcked bool
}

// Config configures a Handler.
type Config struct {
	// InitialSlots is the number of additional logical channels (beyond the
	// implicit default channel) that may be opened before AddChannelRequest
	// is rejected for lack of open_slots (spec.md §3, §4.3 step 4). Zero
	// allows none; a negative value selects the default of 16.
	InitialSlots int

	// DefaultSendQuota is the send_quota granted to each new logical channel
	// in both directions (spec.md §4.8).
	DefaultSendQuota uint64

	// ExtraCost is the fixed per-message accounting overhead charged against
	// send_quota in addition to payload length (spec.md §4.8, "per-message
	// extra cost byte").
	ExtraCost uint64

	// HandshakeEngine validates and answers logical opening handshakes. If
	// nil, a DefaultHandshakeEngine is used.
	HandshakeEngine HandshakeEngine

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.InitialSlots < 0 {
		c.InitialSlots = 16
	}
	if c.DefaultSendQuota == 0 {
		c.DefaultSendQuota = 1 << 20
	}
	if c.ExtraCost == 0 {
		c.ExtraCost = 1
	}
	if c.HandshakeEngine == nil {
		c.HandshakeEngine = &DefaultHandshakeEngine{}
	}
	return c
}

// Handler is the server-side coordinator for one multiplexed physical
// connection: the physical reader and writer goroutines, the channel table,
// and control-block processing (spec.md §3, §6). It plays the role mux.py's
// _MuxHandler plays.
type Handler struct {
	physical        PhysicalStream
	dispatcher      Dispatcher
	handshakeEngine HandshakeEngine
	writer          *muxWriter
	logger          zerolog.Logger

	defaultSendQuota uint64
	extraCost        uint64

	initialRequest LogicalRequest

	mu       sync.Mutex
	cond     *sync.Cond
	channels map[uint32]*channelEntry
	openSlots int

	base     handshakeBase
	haveBase bool

	readerDone bool
}

// NewHandler builds a Handler for one already-accepted physical connection.
// initialRequest is the request that produced the physical WebSocket
// handshake; it becomes the default channel's (channel 1) logical request
// and the initial handshake-delta base.
func NewHandler(physical PhysicalStream, dispatcher Dispatcher, initialRequest LogicalRequest, cfg Config) *Handler {
	cfg = cfg.withDefaults()

	h := &Handler{
		physical:         physical,
		dispatcher:       dispatcher,
		handshakeEngine:  cfg.HandshakeEngine,
		writer:           newMuxWriter(physical),
		logger:           cfg.Logger,
		defaultSendQuota: cfg.DefaultSendQuota,
		extraCost:        cfg.ExtraCost,
		initialRequest:   initialRequest,
		channels:         make(map[uint32]*channelEntry),
		openSlots:        cfg.InitialSlots,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Start validates the default channel's handshake, adds it to the channel
// table without emitting an AddChannelResponse for it (spec.md §3: "no
// control block is emitted for the implicit default channel"), and launches
// the writer, default-channel worker, and physical reader goroutines.
func (h *Handler) Start() error {
	headers := h.initialRequest.Headers.Clone()
	headers.Del("Sec-WebSocket-Extensions")
	req := &LogicalRequest{
		Method:  h.initialRequest.Method,
		URI:     h.initialRequest.URI,
		Headers: headers,
	}

	if _, err := h.handshakeEngine.Handshake(req); err != nil {
		return fmt.Errorf("mux: default channel handshake failed: %w", err)
	}

	h.base = handshakeBase{method: req.Method, uri: req.URI, headers: req.Headers}
	h.haveBase = true

	conn := newLogicalConnection(h, defaultChannelID, h.defaultSendQuota, h.extraCost)
	stream := newLogicalStream(conn, req)

	h.mu.Lock()
	h.channels[defaultChannelID] = &channelEntry{
		conn:               conn,
		stream:             stream,
		req:                req,
		recvQuotaGranted:   h.defaultSendQuota,
		recvQuotaRemaining: h.defaultSendQuota,
	}
	h.mu.Unlock()

	go h.writer.run()
	go h.runWorker(stream)
	go h.runReader()

	return nil
}

// WaitUntilDone blocks until every logical channel has closed, the physical
// reader has exited and the writer has flushed its queue and stopped, or
// timeout elapses (timeout <= 0 means wait forever).
func (h *Handler) WaitUntilDone(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		for !(len(h.channels) == 0 && h.readerDone) {
			h.cond.Wait()
		}
		h.mu.Unlock()
		<-h.writer.done
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

// enqueueWrite schedules a frame for one logical channel's write.
func (h *Handler) enqueueWrite(_ uint32, data []byte, lc *logicalConnection) {
	h.writer.enqueue(outboundItem{data: data, lc: lc})
}

// enqueueControl schedules a control-channel frame with no write-completion
// notification target.
func (h *Handler) enqueueControl(data []byte) {
	h.writer.enqueue(outboundItem{data: data})
}

// notifyWorkerDone removes channelID from the table once its worker has
// returned, frees its slot, and, unless a DropChannel has already been
// exchanged for it, sends one now (spec.md §4.7, grounded on mux.py's
// notify_worker_done).
func (h *Handler) notifyWorkerDone(channelID uint32, workerErr error) {
	h.mu.Lock()
	entry, ok := h.channels[channelID]
	if ok {
		delete(h.channels, channelID)
		h.openSlots++
	}
	h.cond.Broadcast()
	h.mu.Unlock()

	if !ok {
		return
	}

	entry.conn.setReadState(channelTerminated)
	entry.conn.setWriteState(channelTerminated)

	if !entry.dropAcked && channelID != defaultChannelID {
		reason := ""
		if workerErr != nil {
			reason = workerErr.Error()
		}
		h.enqueueControl(EncodeDropChannel(channelID, workerErr != nil, reason))
	}
}

// notifyReaderDone runs once the physical reader exits: every remaining
// logical channel's read and write sides are forced into Terminated, and
// the writer is told to stop once its queue drains (spec.md §4.4, §7,
// grounded on mux.py's notify_reader_done).
func (h *Handler) notifyReaderDone() {
	h.mu.Lock()
	h.readerDone = true
	entries := make([]*channelEntry, 0, len(h.channels))
	for _, e := range h.channels {
		entries = append(entries, e)
	}
	h.cond.Broadcast()
	h.mu.Unlock()

	for _, e := range entries {
		e.conn.setReadState(channelTerminated)
		e.conn.setWriteState(channelTerminated)
	}

	h.writer.stop()
}

// closeChannel is called by application code (logicalStream.Close) to
// initiate a graceful, server-originated drop of one channel.
func (h *Handler) closeChannel(channelID uint32, muxError bool, reason string) error {
	h.mu.Lock()
	entry, ok := h.channels[channelID]
	if ok {
		entry.dropAcked = true
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	entry.conn.setWriteState(channelTerminated)
	h.enqueueControl(EncodeDropChannel(channelID, muxError, reason))
	return nil
}

// dispatchFrame routes one physical frame's payload: control blocks on
// channel 0, or a data frame appended to its logical channel's queue
// (spec.md §4.1, §4.2, §7, grounded on mux.py's dispatch_frame).
func (h *Handler) dispatchFrame(payload []byte) error {
	c := newCursor(payload)
	channelID, err := decodeChannelID(c)
	if err != nil {
		return NewProtocolError(DropChannelIDTruncated, err)
	}

	if channelID == controlChannelID {
		blocks, err := parseControlBlocks(c.rest())
		if err != nil {
			code := DropInvalidMuxControlBlock
			switch err {
			case ErrUnknownMuxOpcode:
				code = DropUnknownMuxOpcode
			case ErrChannelIDTruncated:
				code = DropChannelIDTruncated
			}
			return NewProtocolError(code, err)
		}
		for _, b := range blocks {
			h.processControlBlock(b)
		}
		return nil
	}

	inner, err := decodeInnerFrame(c)
	if err != nil {
		return NewProtocolError(DropEncapsulatedFrameIsTruncated, err)
	}

	h.mu.Lock()
	entry, ok := h.channels[channelID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug().Uint32("channel", channelID).Msg("mux: frame for unknown channel, dropping")
		return nil
	}

	cost := uint64(len(inner.payload)) + h.extraCost

	h.mu.Lock()
	if cost > entry.recvQuotaRemaining {
		h.mu.Unlock()
		h.dropChannelForViolation(channelID, DropSendQuotaViolation, "send quota exceeded")
		return nil
	}
	entry.recvQuotaRemaining -= cost
	// Low watermark: once the remaining quota drops to half of the grant or
	// below, a FlowControl block returns what was consumed, bringing the
	// peer back up to the full grant.
	replenish := entry.recvQuotaRemaining <= entry.recvQuotaGranted/2
	var grant uint64
	if replenish {
		grant = entry.recvQuotaGranted - entry.recvQuotaRemaining
		entry.recvQuotaRemaining = entry.recvQuotaGranted
	}
	h.mu.Unlock()

	if replenish {
		h.enqueueControl(EncodeFlowControl(channelID, grant))
	}

	entry.conn.appendFrame(inner)
	return nil
}

// processControlBlock applies one already-parsed control block. Failures
// here are channel-scoped (spec.md §7) and are logged rather than
// propagated, since a malformed opcode-specific field for one channel must
// not take down the physical connection.
func (h *Handler) processControlBlock(b controlBlock) {
	var err error
	switch b.opcode {
	case OpAddChannelRequest:
		err = h.processAddChannelRequest(b)
	case OpFlowControl:
		err = h.processFlowControl(b)
	case OpDropChannel:
		err = h.processDropChannel(b)
	case OpNewChannelSlot:
		err = h.processNewChannelSlot(b)
	}
	if err != nil {
		h.logger.Warn().Err(err).Uint32("channel", b.channelID).Msg("mux: control block processing failed")
	}
}

// processAddChannelRequest implements spec.md §4.3 steps 2-7: encoding
// validation, slot accounting, identity/delta handshake resolution, and
// handing the reconstructed request to the handshake engine.
func (h *Handler) processAddChannelRequest(b controlBlock) error {
	// Step 2: encoding must be identity or delta; anything else is fatal to
	// the whole physical connection, not just this request (spec.md §4.3
	// step 2, §8 scenario 5).
	if b.encoding != EncodingIdentity && b.encoding != EncodingDelta {
		err := fmt.Errorf("mux: AddChannelRequest for channel %d used unsupported encoding %d", b.channelID, b.encoding)
		h.fail(NewProtocolErrorForChannel(b.channelID, DropUnknownRequestEncoding, err))
		return err
	}

	h.mu.Lock()
	_, exists := h.channels[b.channelID]
	slotsLeft := h.openSlots
	h.mu.Unlock()

	if exists {
		h.enqueueControl(EncodeDropChannel(b.channelID, true, "channel already exists"))
		return fmt.Errorf("mux: AddChannelRequest for existing channel %d", b.channelID)
	}

	if slotsLeft <= 0 {
		h.enqueueControl(EncodeDropChannel(b.channelID, true, DropNewChannelSlotViolation.String()))
		return ErrSlotsExhausted
	}

	parsed, err := parseRequestText(b.encodedHandshake)
	if err != nil {
		h.enqueueControl(EncodeAddChannelResponse(b.channelID, b.encoding, true,
			buildErrorHandshakeResponse(http.StatusBadRequest, err.Error())))
		return err
	}

	var resolved parsedRequest
	switch b.encoding {
	case EncodingIdentity:
		resolved = parsed
	case EncodingDelta:
		h.mu.Lock()
		base, haveBase := h.base, h.haveBase
		h.mu.Unlock()
		if !haveBase {
			h.enqueueControl(EncodeAddChannelResponse(b.channelID, b.encoding, true,
				buildErrorHandshakeResponse(http.StatusBadRequest, "no handshake-delta base yet")))
			return fmt.Errorf("mux: delta-encoded AddChannelRequest before any identity handshake")
		}
		resolved = resolveDelta(base, parsed)
	}

	req := &LogicalRequest{Method: resolved.method, URI: resolved.uri, Headers: resolved.headers}
	response, err := h.handshakeEngine.Handshake(req)
	if err != nil {
		status := http.StatusBadRequest
		var he *HandshakeError
		if e, ok := err.(*HandshakeError); ok {
			he = e
			status = he.Status
		}
		h.enqueueControl(EncodeAddChannelResponse(b.channelID, b.encoding, true,
			buildErrorHandshakeResponse(status, err.Error())))
		return err
	}

	if b.encoding == EncodingIdentity {
		h.mu.Lock()
		h.base = handshakeBase{method: resolved.method, uri: resolved.uri, headers: resolved.headers}
		h.haveBase = true
		h.mu.Unlock()
	}

	conn := newLogicalConnection(h, b.channelID, h.defaultSendQuota, h.extraCost)
	stream := newLogicalStream(conn, req)

	h.mu.Lock()
	h.openSlots--
	h.channels[b.channelID] = &channelEntry{
		conn:               conn,
		stream:             stream,
		req:                req,
		recvQuotaGranted:   h.defaultSendQuota,
		recvQuotaRemaining: h.defaultSendQuota,
	}
	h.mu.Unlock()

	h.enqueueControl(EncodeAddChannelResponse(b.channelID, b.encoding, false, response))
	go h.runWorker(stream)

	return nil
}

// processFlowControl replenishes a channel's outbound send_quota on receipt
// of a FlowControl control block (spec.md §4.3, §4.8).
func (h *Handler) processFlowControl(b controlBlock) error {
	h.mu.Lock()
	entry, ok := h.channels[b.channelID]
	h.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}
	entry.conn.grantSendQuota(b.sendQuota)
	return nil
}

// processDropChannel acts on a client-initiated DropChannel, marking the
// channel's drop already acknowledged so notifyWorkerDone does not send a
// redundant one (spec.md §4.3, §4.7).
func (h *Handler) processDropChannel(b controlBlock) error {
	h.mu.Lock()
	entry, ok := h.channels[b.channelID]
	if ok {
		entry.dropAcked = true
	}
	h.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}

	entry.conn.setReadState(channelTerminated)
	entry.conn.setWriteState(channelTerminated)
	return nil
}

// processNewChannelSlot grants additional open_slots (and the default
// send_quota future channels will be opened with), per the interpretive
// wire-format choice documented in control.go and DESIGN.md.
func (h *Handler) processNewChannelSlot(b controlBlock) error {
	h.mu.Lock()
	h.openSlots += int(b.slots)
	if b.initialSendQuota > 0 {
		h.defaultSendQuota = b.initialSendQuota
	}
	h.mu.Unlock()
	return nil
}

// dropChannelForViolation force-terminates a channel for a protocol
// violation scoped to it alone (spec.md §7: "per-channel protocol
// violations are fatal to that channel only").
func (h *Handler) dropChannelForViolation(channelID uint32, code DropCode, reason string) {
	h.mu.Lock()
	entry, ok := h.channels[channelID]
	if ok {
		entry.dropAcked = true
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	entry.conn.setReadState(channelTerminated)
	entry.conn.setWriteState(channelTerminated)
	h.logger.Warn().Uint32("channel", channelID).Str("code", code.String()).Msg("mux: dropping channel")
	h.enqueueControl(EncodeDropChannel(channelID, true, reason))
}

// buildErrorHandshakeResponse builds a minimal HTTP/1.1 error response to
// embed in a rejecting AddChannelResponse (spec.md §4.3 step 7).
func buildErrorHandshakeResponse(status int, msg string) []byte {
	reason := http.StatusText(status)
	return fmt.Appendf(nil, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, len(msg), msg)
}
