package mux

import "github.com/coregx/wsmux/websocket"

// RawFrame is the one-physical-frame-at-a-time shape PhysicalStream reads
// and writes; it is exactly websocket.Conn's own frame type, re-exported
// here so mux callers never need to import the websocket package just to
// name it.
type RawFrame = websocket.RawFrame

// physicalConn adapts *websocket.Conn to PhysicalStream.
type physicalConn struct {
	conn *websocket.Conn
}

// NewPhysicalStream wraps an already-accepted WebSocket connection for use
// as a mux handler's physical transport.
func NewPhysicalStream(conn *websocket.Conn) PhysicalStream {
	return &physicalConn{conn: conn}
}

func (p *physicalConn) ReceiveFrame() (RawFrame, error) {
	f, err := p.conn.ReceiveFrame()
	if err != nil {
		return RawFrame{}, err
	}
	return f, nil
}

func (p *physicalConn) WriteRawBinary(payload []byte) error {
	return p.conn.WriteRawBinary(payload)
}

func (p *physicalConn) Close() error {
	return p.conn.Close()
}

// closeStatusInternalEndpointError is the physical close status a mux
// handler sends when a protocol-parse error forces it to tear down the
// whole connection (spec.md §4.7, §7). RFC 6455 has no status literally
// named InternalEndpointError; 1011 (Internal Server Error) is the
// standard code for "the endpoint encountered an unexpected condition",
// the same one mod_pywebsocket's mux handler sends for this case.
const closeStatusInternalEndpointError = int(websocket.CloseInternalServerErr)

func (p *physicalConn) CloseWithStatus(code int, reason string) error {
	return p.conn.CloseWithCode(websocket.CloseCode(code), reason)
}
