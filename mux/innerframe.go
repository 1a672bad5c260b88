package mux

// innerFrame is the decoded form of the one-byte FIN|RSV1|RSV2|RSV3|OPCODE
// header that follows the channel id in a data-carrying mux frame, plus the
// inner payload that follows it (spec.md §4.2).
type innerFrame struct {
	fin             bool
	rsv1, rsv2, rsv3 bool
	opcode          byte
	payload         []byte
}

// decodeInnerFrame reads the inner-frame header byte from c and takes
// everything remaining in the payload as the inner frame's payload: "the
// rest of the outer payload is the inner payload" (spec.md §4.2).
func decodeInnerFrame(c *cursor) (innerFrame, error) {
	b, err := c.readByte()
	if err != nil {
		return innerFrame{}, ErrEncapsulatedFrameTruncated
	}

	return innerFrame{
		fin:     b&0x80 != 0,
		rsv1:    b&0x40 != 0,
		rsv2:    b&0x20 != 0,
		rsv3:    b&0x10 != 0,
		opcode:  b & 0x0f,
		payload: c.rest(),
	}, nil
}

// encodeInnerFrame builds the channel_id || inner_header || payload
// envelope described in spec.md §4.2 and §6 ("Wire format"). mask bits are
// never set: masking belongs exclusively to the physical stream.
func encodeInnerFrame(channelID uint32, fin bool, opcode byte, payload []byte) []byte {
	var bits byte
	if fin {
		bits |= 0x80
	}
	bits |= opcode & 0x0f

	idBytes := EncodeChannelID(channelID)
	out := make([]byte, 0, len(idBytes)+1+len(payload))
	out = append(out, idBytes...)
	out = append(out, bits)
	out = append(out, payload...)
	return out
}
