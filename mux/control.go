package mux

// ControlOpcode identifies the kind of control block carried on the control
// channel (spec.md §3, §4.3).
type ControlOpcode byte

// Control block opcodes, per spec.md §4.3.
const (
	OpAddChannelRequest  ControlOpcode = 0
	OpAddChannelResponse ControlOpcode = 1
	OpFlowControl        ControlOpcode = 2
	OpDropChannel        ControlOpcode = 3
	OpNewChannelSlot     ControlOpcode = 4
)

// Encoding distinguishes an identity-encoded AddChannelRequest handshake
// from a delta-encoded one (spec.md §3, §4.3 step 6).
type Encoding byte

const (
	EncodingIdentity Encoding = 0
	EncodingDelta    Encoding = 1
)

// controlBlock is the parsed form of one control block (spec.md §3:
// "Control block: tagged record {opcode, channel_id, and opcode-specific
// fields}").
type controlBlock struct {
	opcode    ControlOpcode
	channelID uint32

	// AddChannelRequest
	encoding         Encoding
	encodedHandshake []byte

	// FlowControl
	sendQuota uint64

	// DropChannel
	muxError bool
	reason   []byte

	// NewChannelSlot. The draft text available to this implementation does
	// not pin down NewChannelSlot's wire layout (mux.py stubs it entirely);
	// this repo defines it as channel_id(reserved, conventionally 0) +
	// slots(number) + send_quota(number), both using the §4.1 three-tier
	// number encoding, documented in DESIGN.md.
	slots            uint64
	initialSendQuota uint64
}

// parseControlBlocks parses every control block out of a control-channel
// payload, in order. A malformed block anywhere in the payload aborts the
// whole parse: spec.md §7 treats invalid control blocks as a protocol-parse
// error, fatal to the physical connection.
func parseControlBlocks(payload []byte) ([]controlBlock, error) {
	c := newCursor(payload)
	var blocks []controlBlock

	for c.remaining() > 0 {
		b, err := parseOneControlBlock(c)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	return blocks, nil
}

func parseOneControlBlock(c *cursor) (controlBlock, error) {
	first, err := c.readByte()
	if err != nil {
		return controlBlock{}, ErrInvalidMuxControlBlock
	}

	opcode := ControlOpcode((first >> 5) & 0x7)
	flags := (first >> 2) & 0x7
	sizeOfSize := int(first&0x3) + 1

	switch opcode {
	case OpAddChannelRequest:
		return parseAddChannelRequest(c, flags&0x3, sizeOfSize)
	case OpDropChannel:
		return parseDropChannel(c, flags, sizeOfSize)
	case OpFlowControl:
		return parseFlowControl(c)
	case OpNewChannelSlot:
		return parseNewChannelSlot(c)
	default:
		// AddChannelResponse is server-to-client only; a client is never
		// expected to send one, so it falls into the same bucket as any
		// other opcode this server doesn't accept inbound.
		return controlBlock{}, ErrUnknownMuxOpcode
	}
}

// parseAddChannelRequest parses channel_id, then a size field of sizeOfSize
// raw bytes, then that many bytes of encoded_handshake (spec.md §4.3,
// mirroring mux.py's _read_opcode_specific_data).
func parseAddChannelRequest(c *cursor, encoding byte, sizeOfSize int) (controlBlock, error) {
	channelID, err := decodeChannelID(c)
	if err != nil {
		return controlBlock{}, err
	}

	size, err := readRawSize(c, sizeOfSize)
	if err != nil {
		return controlBlock{}, err
	}

	data, err := c.readN(size)
	if err != nil {
		return controlBlock{}, ErrInvalidMuxControlBlock
	}

	return controlBlock{
		opcode:           OpAddChannelRequest,
		channelID:        channelID,
		encoding:         Encoding(encoding),
		encodedHandshake: data,
	}, nil
}

func parseDropChannel(c *cursor, flags byte, sizeOfSize int) (controlBlock, error) {
	muxError := flags&0x4 != 0

	channelID, err := decodeChannelID(c)
	if err != nil {
		return controlBlock{}, err
	}

	size, err := readRawSize(c, sizeOfSize)
	if err != nil {
		return controlBlock{}, err
	}

	reason, err := c.readN(size)
	if err != nil {
		return controlBlock{}, ErrInvalidMuxControlBlock
	}

	if !muxError && len(reason) > 0 {
		return controlBlock{}, ErrInvalidMuxControlBlock
	}

	return controlBlock{
		opcode:    OpDropChannel,
		channelID: channelID,
		muxError:  muxError,
		reason:    reason,
	}, nil
}

// parseFlowControl parses channel_id followed directly by a length-encoded
// send_quota (spec.md §4.3: "FlowControl carries only the objective channel
// id and a length-encoded send_quota (no separate size field)").
func parseFlowControl(c *cursor) (controlBlock, error) {
	channelID, err := decodeChannelID(c)
	if err != nil {
		return controlBlock{}, err
	}

	quota, err := decodeNumber(c)
	if err != nil {
		return controlBlock{}, err
	}

	return controlBlock{
		opcode:    OpFlowControl,
		channelID: channelID,
		sendQuota: quota,
	}, nil
}

func parseNewChannelSlot(c *cursor) (controlBlock, error) {
	channelID, err := decodeChannelID(c)
	if err != nil {
		return controlBlock{}, err
	}

	slots, err := decodeNumber(c)
	if err != nil {
		return controlBlock{}, err
	}

	quota, err := decodeNumber(c)
	if err != nil {
		return controlBlock{}, err
	}

	return controlBlock{
		opcode:           OpNewChannelSlot,
		channelID:        channelID,
		slots:            slots,
		initialSendQuota: quota,
	}, nil
}

// readRawSize reads sizeOfSize (1-4) raw big-endian bytes, the "size of the
// opcode specific data" field mux.py's _read_opcode_specific_data decodes.
func readRawSize(c *cursor, sizeOfSize int) (int, error) {
	b, err := c.readN(sizeOfSize)
	if err != nil {
		return 0, ErrInvalidMuxControlBlock
	}

	size := 0
	for _, x := range b {
		size = size<<8 | int(x)
	}
	return size, nil
}

// encodeSizedBlock builds the AddChannelResponse/DropChannel shape: one
// header byte, channel id, a minimal-width raw size field, then value.
func encodeSizedBlock(opcode ControlOpcode, channelID uint32, flags byte, value []byte) []byte {
	length := len(value)
	sizeOfSize, sizeBytes := minimalRawSize(length)

	first := byte(opcode)<<5 | (flags&0x7)<<2 | byte(sizeOfSize-1)

	idBytes := EncodeChannelID(channelID)
	out := make([]byte, 0, 1+len(idBytes)+sizeOfSize+length)
	out = append(out, first)
	out = append(out, idBytes...)
	out = append(out, sizeBytes...)
	out = append(out, value...)
	return out
}

// minimalRawSize picks the smallest raw byte width (1-4) that can hold
// length, mirroring mux.py's _create_control_block_length_value.
func minimalRawSize(length int) (int, []byte) {
	switch {
	case length < 1<<8:
		return 1, []byte{byte(length)}
	case length < 1<<16:
		return 2, []byte{byte(length >> 8), byte(length)}
	case length < 1<<24:
		return 3, []byte{byte(length >> 16), byte(length >> 8), byte(length)}
	default:
		return 4, []byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	}
}

// EncodeAddChannelResponse builds the control-channel payload for an
// AddChannelResponse control block (spec.md §4.3 step 7).
func EncodeAddChannelResponse(channelID uint32, encoding Encoding, rejected bool, handshake []byte) []byte {
	var flags byte
	if rejected {
		flags |= 0x4
	}
	flags |= byte(encoding) & 0x3
	block := encodeSizedBlock(OpAddChannelResponse, channelID, flags, handshake)
	return append(EncodeChannelID(controlChannelID), block...)
}

// EncodeDropChannel builds the control-channel payload for a DropChannel
// control block (spec.md §4.3, §7).
func EncodeDropChannel(channelID uint32, muxError bool, reason string) []byte {
	var flags byte
	if muxError {
		flags |= 0x4
	}
	block := encodeSizedBlock(OpDropChannel, channelID, flags, []byte(reason))
	return append(EncodeChannelID(controlChannelID), block...)
}

// EncodeFlowControl builds the control-channel payload for a FlowControl
// control block replenishing the given channel's send_quota by n bytes
// (spec.md §4.3, §4.8).
func EncodeFlowControl(channelID uint32, n uint64) []byte {
	first := byte(OpFlowControl) << 5
	idBytes := EncodeChannelID(channelID)
	quota := encodeNumber(n)

	out := make([]byte, 0, 1+len(idBytes)+len(quota))
	out = append(out, first)
	out = append(out, idBytes...)
	out = append(out, quota...)
	return append(EncodeChannelID(controlChannelID), out...)
}
