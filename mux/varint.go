package mux

import (
	"encoding/binary"
	"fmt"
)

// MaxChannelID is the largest channel id representable in the 4-byte form
// (2^29 - 1), per spec.md §3.
const MaxChannelID = 1<<29 - 1

// cursor is a read position over a control-channel or inner-frame payload.
// It is the shared primitive the varint, inner-frame, and control-block
// codecs parse from.
type cursor struct {
	buf []byte
	pos int
}

func newCursor(b []byte) *cursor {
	return &cursor{buf: b}
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) readByte() (byte, error) {
	if c.remaining() < 1 {
		return 0, ErrChannelIDTruncated
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readN(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, ErrChannelIDTruncated
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// rest returns every byte not yet consumed.
func (c *cursor) rest() []byte {
	b := c.buf[c.pos:]
	c.pos = len(c.buf)
	return b
}

// EncodeChannelID encodes a channel id using the shortest of the four legal
// forms defined in spec.md §4.1.
func EncodeChannelID(id uint32) []byte {
	switch {
	case id < 1<<7:
		return []byte{byte(id)}
	case id < 1<<14:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, 0x8000|uint16(id))
		return buf
	case id < 1<<21:
		buf := make([]byte, 3)
		buf[0] = 0xc0 | byte(id>>16)
		binary.BigEndian.PutUint16(buf[1:], uint16(id))
		return buf
	case id <= MaxChannelID:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, 0xe0000000|id)
		return buf
	default:
		panic(fmt.Sprintf("mux: channel id %d exceeds %d", id, MaxChannelID))
	}
}

// decodeChannelID reads a channel id from c, enforcing that the encoding
// uses the shortest legal form for the decoded value (spec.md §8 scenario
// 6: "Decode rejects every strictly-longer encoding of the same value").
func decodeChannelID(c *cursor) (uint32, error) {
	first, err := c.readByte()
	if err != nil {
		return 0, ErrChannelIDTruncated
	}

	switch {
	case first&0x80 == 0:
		return uint32(first), nil

	case first&0xc0 == 0x80:
		rest, err := c.readN(1)
		if err != nil {
			return 0, ErrChannelIDTruncated
		}
		id := uint32(first&0x3f)<<8 | uint32(rest[0])
		if id < 1<<7 {
			return 0, ErrChannelIDTruncated
		}
		return id, nil

	case first&0xe0 == 0xc0:
		rest, err := c.readN(2)
		if err != nil {
			return 0, ErrChannelIDTruncated
		}
		id := uint32(first&0x1f)<<16 | uint32(rest[0])<<8 | uint32(rest[1])
		if id < 1<<14 {
			return 0, ErrChannelIDTruncated
		}
		return id, nil

	default: // first&0xe0 == 0xe0
		rest, err := c.readN(3)
		if err != nil {
			return 0, ErrChannelIDTruncated
		}
		id := uint32(first&0x1f)<<24 | uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2])
		if id < 1<<21 {
			return 0, ErrChannelIDTruncated
		}
		return id, nil
	}
}

// DecodeChannelID decodes a single channel id from the start of b, returning
// the value and the number of bytes consumed.
func DecodeChannelID(b []byte) (uint32, int, error) {
	c := newCursor(b)
	id, err := decodeChannelID(c)
	if err != nil {
		return 0, 0, err
	}
	return id, c.pos, nil
}

// encodeNumber encodes n using the three-tier "length (number) encoding"
// of spec.md §4.1: a single byte when n < 126, else 126 followed by a
// big-endian uint16, else 127 followed by a big-endian uint64. It is used
// for control-block quantities that are numbers in their own right (the
// FlowControl send_quota), as opposed to the byte-string size field used by
// AddChannelRequest/AddChannelResponse/DropChannel (see control.go).
func encodeNumber(n uint64) []byte {
	switch {
	case n < 126:
		return []byte{byte(n)}
	case n <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 126
		binary.BigEndian.PutUint16(buf[1:], uint16(n))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 127
		binary.BigEndian.PutUint64(buf[1:], n)
		return buf
	}
}

// decodeNumber reads a three-tier encoded number from c, rejecting
// over-long forms (spec.md §4.1: "MUST reject over-long encodings... each
// failure is an InvalidMuxControlBlock").
func decodeNumber(c *cursor) (uint64, error) {
	first, err := c.readByte()
	if err != nil {
		return 0, ErrInvalidMuxControlBlock
	}

	switch {
	case first < 126:
		return uint64(first), nil

	case first == 126:
		b, err := c.readN(2)
		if err != nil {
			return 0, ErrInvalidMuxControlBlock
		}
		n := uint64(binary.BigEndian.Uint16(b))
		if n < 126 {
			return 0, ErrInvalidMuxControlBlock
		}
		return n, nil

	case first == 127:
		b, err := c.readN(8)
		if err != nil {
			return 0, ErrInvalidMuxControlBlock
		}
		n := binary.BigEndian.Uint64(b)
		if n <= 0xffff {
			return 0, ErrInvalidMuxControlBlock
		}
		return n, nil

	default:
		return 0, ErrInvalidMuxControlBlock
	}
}
