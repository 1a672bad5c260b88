package mux

import (
	"fmt"

	"github.com/coregx/wsmux/websocket"
)

// runReader is the handler's single physical reader goroutine, grounded on
// mux.py's _PhysicalConnectionReader.run: it owns the physical read side
// exclusively, pulling one frame at a time and routing it to the control
// channel or a logical channel's inbound queue.
func (h *Handler) runReader() {
	defer h.notifyReaderDone()

	for {
		raw, err := h.physical.ReceiveFrame()
		if err != nil {
			h.logger.Debug().Err(err).Msg("mux: physical reader stopped")
			return
		}

		if raw.Opcode != websocket.OpcodeBinary {
			h.fail(NewProtocolError(DropInvalidEncapsulatingMessage,
				fmt.Errorf("non-binary physical frame opcode %d", raw.Opcode)))
			return
		}

		if err := h.dispatchFrame(raw.Payload); err != nil {
			if pe, ok := err.(*ProtocolError); ok {
				h.fail(pe)
				return
			}
			h.logger.Warn().Err(err).Msg("mux: dropping malformed frame")
		}
	}
}

// fail tears down the physical connection after a protocol-parse error
// (spec.md §7: "fatal to the physical connection"). Per spec.md §4.7 and §8
// scenario 5, it first emits a DropChannel carrying the precise drop code
// (against pe.ChannelID, either the control channel or the specific channel
// whose request triggered the failure), then closes the physical WebSocket
// with status InternalEndpointError. The DropChannel is enqueued before the
// close is requested so muxWriter flushes it ahead of tearing the
// transport down.
func (h *Handler) fail(pe *ProtocolError) {
	h.logger.Error().Err(pe).Str("code", pe.Code.String()).Uint32("channel", pe.ChannelID).
		Msg("mux: protocol error, closing physical connection")
	h.enqueueControl(EncodeDropChannel(pe.ChannelID, true, pe.Code.String()))
	h.writer.stopAndClose(closeStatusInternalEndpointError, pe.Code.String())
}
