package mux

import "io"

// PhysicalStream is the "physical connection" collaborator (spec.md §6):
// whatever already-accepted, single-connection transport the mux handler
// frames its traffic on. websocket.Conn satisfies it once adapted by
// physicalConn in physical.go.
type PhysicalStream interface {
	// ReceiveFrame reads exactly one physical frame, without reassembling
	// fragments or answering control frames.
	ReceiveFrame() (RawFrame, error)

	// WriteRawBinary writes one unfragmented physical binary frame.
	WriteRawBinary(payload []byte) error

	// Close closes the underlying transport.
	Close() error

	// CloseWithStatus closes the underlying transport after sending a
	// WebSocket close frame carrying the given status code and reason
	// (spec.md §4.7, §7: protocol-parse errors "close the physical
	// connection with status InternalEndpointError").
	CloseWithStatus(code int, reason string) error
}

// LogicalChannel is what a Dispatcher operates on: an io.ReadWriteCloser
// bound to one logical connection, plus the channel id and the resolved
// request that opened it (spec.md §6: "Application dispatcher: receives a
// LogicalConnection per accepted channel").
type LogicalChannel interface {
	io.ReadWriteCloser

	// ChannelID is this channel's id on the wire.
	ChannelID() uint32

	// Request is the resolved opening-handshake request for this channel.
	Request() *LogicalRequest
}

// Dispatcher is the external application-level collaborator (spec.md §6):
// for every accepted logical channel, TransferData runs for the lifetime of
// that channel, moving application data between ch and whatever backend the
// application wires up. TransferData returning ends the channel's worker;
// spec.md §4.7 requires the handler to then close the channel if the
// dispatcher has not already done so itself.
type Dispatcher interface {
	TransferData(ch LogicalChannel) error
}

// EchoDispatcher is a minimal reference Dispatcher that copies every
// message it reads back out on the same channel, used by cmd/wsmuxd's
// default handler and by tests.
type EchoDispatcher struct{}

// TransferData implements Dispatcher.
func (EchoDispatcher) TransferData(ch LogicalChannel) error {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
