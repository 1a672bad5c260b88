package mux

import (
	"fmt"
	"io"

	"github.com/coregx/wsmux/websocket"
)

// logicalStream adapts a logicalConnection's frame-level queue into the
// message-level io.ReadWriteCloser a Dispatcher operates on (spec.md §4.2,
// §4.4), reassembling fragmented inner frames the way websocket.Conn.Read
// reassembles physical fragments.
type logicalStream struct {
	conn *logicalConnection
	req  *LogicalRequest

	pending []byte
}

func newLogicalStream(conn *logicalConnection, req *LogicalRequest) *logicalStream {
	return &logicalStream{conn: conn, req: req}
}

// ChannelID implements LogicalChannel.
func (s *logicalStream) ChannelID() uint32 { return s.conn.channelID }

// Request implements LogicalChannel.
func (s *logicalStream) Request() *LogicalRequest { return s.req }

// Read implements io.Reader, returning one reassembled message per call
// until the underlying buffer is drained.
func (s *logicalStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		msg, err := s.readMessage()
		if err != nil {
			return 0, err
		}
		s.pending = msg
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// readMessage reassembles one complete message out of the channel's
// fragment queue, answering Ping frames transparently and treating a Close
// frame as end of stream, the same responsibilities websocket.Conn.Read
// carries for a physical connection.
func (s *logicalStream) readMessage() ([]byte, error) {
	var (
		buf     []byte
		started bool
	)

	for {
		f, err := s.conn.readFrame()
		if err != nil {
			return nil, err
		}

		switch f.opcode {
		case websocket.OpcodeClose:
			return nil, io.EOF

		case websocket.OpcodePing:
			if werr := s.conn.write(true, websocket.OpcodePong, f.payload); werr != nil {
				return nil, werr
			}
			continue

		case websocket.OpcodePong:
			continue

		case websocket.OpcodeContinuation:
			if !started {
				return nil, NewChannelError(s.conn.channelID, DropInvalidEncapsulatingMessage,
					fmt.Errorf("continuation frame with no preceding fragment"))
			}
			buf = append(buf, f.payload...)

		default:
			if started {
				return nil, NewChannelError(s.conn.channelID, DropInvalidEncapsulatingMessage,
					fmt.Errorf("new message opcode %d while a fragmented message is in progress", f.opcode))
			}
			started = true
			buf = append(buf, f.payload...)
		}

		if f.fin {
			return buf, nil
		}
	}
}

// Write implements io.Writer, sending p as one unfragmented binary message.
func (s *logicalStream) Write(p []byte) (int, error) {
	if err := s.conn.write(true, websocket.OpcodeBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements io.Closer, initiating a graceful drop of this channel.
func (s *logicalStream) Close() error {
	return s.conn.handler.closeChannel(s.conn.channelID, false, "")
}
