package websocket

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Payload length encoding (RFC 6455 Section 5.2).
const (
	maxControlPayload = 125
	payloadLen16Bit   = 126
	payloadLen64Bit   = 127
)

// FrameHandler receives the events a Decoder produces.
//
// Every method is invoked synchronously from inside Decoder.Add. Payload
// slices are owned by the receiver and are not reused by the Decoder.
type FrameHandler interface {
	OnMessage(msg Message)
	OnPing(payload []byte)
	OnPong(payload []byte)
	OnClose(code CloseCode, reason string)
}

// HandlerFuncs adapts optional functions to FrameHandler. Nil fields drop
// the corresponding event.
type HandlerFuncs struct {
	Message func(Message)
	Ping    func([]byte)
	Pong    func([]byte)
	Close   func(CloseCode, string)
}

func (h HandlerFuncs) OnMessage(msg Message) {
	if h.Message != nil {
		h.Message(msg)
	}
}

func (h HandlerFuncs) OnPing(payload []byte) {
	if h.Ping != nil {
		h.Ping(payload)
	}
}

func (h HandlerFuncs) OnPong(payload []byte) {
	if h.Pong != nil {
		h.Pong(payload)
	}
}

func (h HandlerFuncs) OnClose(code CloseCode, reason string) {
	if h.Close != nil {
		h.Close(code, reason)
	}
}

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// MaxPayload bounds the bytes of one message. Values < 1 disable the limit.
	MaxPayload int64

	// BinaryType selects how binary messages are materialized.
	BinaryType BinaryType

	// RequireMask rejects unmasked frames (RFC 6455 Section 5.1, client frames).
	RequireMask bool
}

type parseState int

const (
	stateGetInfo parseState = iota
	stateGetPayloadLength16
	stateGetPayloadLength64
	stateGetMask
	stateGetData
	stateClosed // close frame consumed
	stateFailed // fatal error recorded in Decoder.err
)

// frameHeader holds the fields of the frame currently being parsed.
type frameHeader struct {
	fin    bool
	opcode byte // effective opcode: continuations carry the message opcode
	length uint64
	masked bool
	mask   [4]byte
}

// fragmentState tracks the message being assembled.
//
// opcode is non-zero iff a non-final text/binary frame has been processed and
// no final frame has closed the message yet. Control frames leave it alone.
type fragmentState struct {
	opcode             byte
	fragments          [][]byte
	messageLength      int64
	totalPayloadLength int64
}

// Decoder is a restartable RFC 6455 frame parser.
//
// Add may be called with chunks of any size; parsing stops when the buffered
// bytes run out and resumes from the saved state on the next call. A Decoder
// is not safe for concurrent use.
type Decoder struct {
	opts    DecoderOptions
	handler FrameHandler

	queue byteQueue
	state parseState
	loop  bool
	hdr   frameHeader
	frag  fragmentState
	err   error
}

// NewDecoder returns a Decoder that reports events to h.
func NewDecoder(opts DecoderOptions, h FrameHandler) *Decoder {
	if h == nil {
		h = HandlerFuncs{}
	}
	return &Decoder{opts: opts, handler: h}
}

// Add queues chunk and parses as far as the buffered bytes allow.
//
// The Decoder takes ownership of chunk: payloads are unmasked in place and
// delivered messages may alias it, so callers must not reuse the buffer.
//
// The returned error is a *ProtocolError; once one is returned the Decoder
// is dead and every later call returns the same error. After a close frame
// has been parsed further input is discarded.
func (d *Decoder) Add(chunk []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.state == stateClosed {
		return nil
	}
	d.queue.push(chunk)
	return d.parse()
}

// Buffered returns the number of received bytes not consumed yet.
func (d *Decoder) Buffered() int { return d.queue.buffered }

// Err returns the fatal error, if any.
func (d *Decoder) Err() error { return d.err }

// Closed reports whether a close frame has been parsed.
func (d *Decoder) Closed() bool { return d.state == stateClosed }

// Fragmented reports whether a fragmented message is being assembled.
func (d *Decoder) Fragmented() bool { return d.frag.opcode != 0 }

func (d *Decoder) parse() error {
	d.loop = true
	for d.loop {
		var err error
		switch d.state {
		case stateGetInfo:
			err = d.getInfo()
		case stateGetPayloadLength16:
			err = d.getPayloadLength16()
		case stateGetPayloadLength64:
			err = d.getPayloadLength64()
		case stateGetMask:
			d.getMask()
		case stateGetData:
			err = d.getData()
		default:
			d.loop = false
		}
		if err != nil {
			d.fail(err)
			return d.err
		}
	}
	return nil
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.state = stateFailed
	d.loop = false
	d.queue.reset()
	d.frag = fragmentState{}
}

// need reports whether n bytes are buffered and pauses the loop if not.
func (d *Decoder) need(n int) bool {
	if d.queue.has(n) {
		return true
	}
	d.loop = false
	return false
}

//nolint:gocyclo,cyclop // one branch per RFC 6455 Section 5.2 rule
func (d *Decoder) getInfo() error {
	if !d.need(2) {
		return nil
	}
	b := d.queue.read(2)

	if b[0]&rsvBits != 0 {
		return protocolError(CloseProtocolError, ErrReservedBits)
	}

	d.hdr = frameHeader{
		fin:    b[0]&finBit != 0,
		opcode: b[0] & opcodeBits,
		masked: b[1]&maskBit != 0,
		length: uint64(b[1] & lenBits),
	}

	switch op := d.hdr.opcode; {
	case op == opcodeContinuation:
		if d.frag.opcode == 0 {
			return protocolError(CloseProtocolError, ErrUnexpectedContinuation)
		}
		d.hdr.opcode = d.frag.opcode
	case op == opcodeText || op == opcodeBinary:
		if d.frag.opcode != 0 {
			return protocolError(CloseProtocolError, ErrUnexpectedDataFrame)
		}
	case op >= opcodeClose && op <= opcodePong:
		if !d.hdr.fin {
			return protocolError(CloseProtocolError, ErrControlFragmented)
		}
		if d.hdr.length > maxControlPayload {
			return protocolError(CloseProtocolError, ErrControlTooLarge)
		}
	default:
		return protocolError(CloseProtocolError, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, op))
	}

	if !d.hdr.fin && d.frag.opcode == 0 {
		d.frag.opcode = d.hdr.opcode
	}

	if d.opts.RequireMask && !d.hdr.masked {
		return protocolError(CloseProtocolError, ErrMaskRequired)
	}

	switch d.hdr.length {
	case payloadLen16Bit:
		d.state = stateGetPayloadLength16
		return nil
	case payloadLen64Bit:
		d.state = stateGetPayloadLength64
		return nil
	default:
		return d.haveLength()
	}
}

func (d *Decoder) getPayloadLength16() error {
	if !d.need(2) {
		return nil
	}
	d.hdr.length = uint64(binary.BigEndian.Uint16(d.queue.read(2)))
	return d.haveLength()
}

func (d *Decoder) getPayloadLength64() error {
	if !d.need(8) {
		return nil
	}
	n := binary.BigEndian.Uint64(d.queue.read(8))

	// RFC 6455 Section 5.2: the most significant bit must be 0.
	if n>>63 != 0 {
		return protocolError(CloseProtocolError, ErrUnsupportedLength)
	}
	if n > math.MaxInt {
		return protocolError(CloseMessageTooBig, fmt.Errorf("%w: %d bytes", ErrUnsupportedLength, n))
	}

	d.hdr.length = n
	return d.haveLength()
}

// haveLength runs once the payload length is known.
func (d *Decoder) haveLength() error {
	if d.hdr.opcode < opcodeClose && d.hdr.length > 0 && d.opts.MaxPayload > 0 {
		remaining := d.opts.MaxPayload - d.frag.totalPayloadLength
		if d.hdr.length > uint64(remaining) {
			return protocolError(CloseMessageTooBig, ErrMessageTooLarge)
		}
		d.frag.totalPayloadLength += int64(d.hdr.length)
	}

	if d.hdr.masked {
		d.state = stateGetMask
	} else {
		d.state = stateGetData
	}
	return nil
}

func (d *Decoder) getMask() {
	if !d.need(4) {
		return
	}
	copy(d.hdr.mask[:], d.queue.read(4))
	d.state = stateGetData
}

func (d *Decoder) getData() error {
	data := []byte{}
	if n := int(d.hdr.length); n > 0 {
		if !d.need(n) {
			return nil
		}
		data = d.queue.read(n)
		if d.hdr.masked {
			applyMask(data, d.hdr.mask)
		}
	}

	if isControlFrame(d.hdr.opcode) {
		return d.controlFrame(data)
	}
	if err := d.pushFragment(data); err != nil {
		return err
	}
	return d.dataMessage()
}

func (d *Decoder) pushFragment(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	total := d.frag.messageLength + int64(len(data))
	if d.opts.MaxPayload > 0 && total > d.opts.MaxPayload {
		return protocolError(CloseMessageTooBig, ErrMessageTooLarge)
	}
	d.frag.messageLength = total
	d.frag.fragments = append(d.frag.fragments, data)
	return nil
}

// dataMessage emits the message when the current frame is final.
func (d *Decoder) dataMessage() error {
	d.state = stateGetInfo
	if !d.hdr.fin {
		return nil
	}

	fragments := d.frag.fragments
	length := int(d.frag.messageLength)
	d.frag = fragmentState{}

	if d.hdr.opcode == opcodeText {
		data := concatFragments(fragments, length)
		if !utf8.Valid(data) {
			return protocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8)
		}
		d.handler.OnMessage(Message{Type: TextMessage, Data: data})
		return nil
	}

	msg := Message{Type: BinaryMessage}
	switch d.opts.BinaryType {
	case BinaryFragments:
		if fragments == nil {
			fragments = [][]byte{}
		}
		msg.Fragments = fragments
	case BinaryArrayBuffer:
		msg.Data = detach(fragments, length)
	default:
		msg.Data = concatFragments(fragments, length)
	}
	d.handler.OnMessage(msg)
	return nil
}

func (d *Decoder) controlFrame(data []byte) error {
	switch d.hdr.opcode {
	case opcodeClose:
		return d.closeFrame(data)
	case opcodePing:
		d.state = stateGetInfo
		d.handler.OnPing(data)
	default:
		d.state = stateGetInfo
		d.handler.OnPong(data)
	}
	return nil
}

// closeFrame validates a close payload (RFC 6455 Section 5.5.1) and stops parsing.
func (d *Decoder) closeFrame(data []byte) error {
	switch len(data) {
	case 0:
		d.stop()
		d.handler.OnClose(CloseNoStatusReceived, "")
		return nil
	case 1:
		return protocolError(CloseProtocolError, ErrInvalidClosePayload)
	}

	code := CloseCode(binary.BigEndian.Uint16(data))
	if !isValidReceivedCloseCode(code) {
		return protocolError(CloseProtocolError, fmt.Errorf("%w: %d", ErrInvalidCloseCode, int(code)))
	}
	reason := data[2:]
	if !utf8.Valid(reason) {
		return protocolError(CloseInvalidFramePayloadData, ErrInvalidUTF8)
	}

	d.stop()
	d.handler.OnClose(code, string(reason))
	return nil
}

func (d *Decoder) stop() {
	d.state = stateClosed
	d.loop = false
	d.queue.reset()
}

// concatFragments joins fragments into one slice, reusing a lone fragment.
func concatFragments(fragments [][]byte, length int) []byte {
	switch len(fragments) {
	case 0:
		return []byte{}
	case 1:
		return fragments[0]
	}
	dst := make([]byte, length)
	off := 0
	for _, f := range fragments {
		off += copy(dst[off:], f)
	}
	return dst
}

// detach returns the message payload in a backing array of exactly length bytes.
func detach(fragments [][]byte, length int) []byte {
	if len(fragments) > 1 {
		return concatFragments(fragments, length)
	}
	dst := make([]byte, length)
	if length > 0 {
		copy(dst, fragments[0])
	}
	return dst
}
