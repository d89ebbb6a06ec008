package websocket

import (
	"crypto/rand"
	"fmt"
	"io"
)

// SendOptions selects how Encoder.Send frames a payload.
type SendOptions struct {
	// Binary selects opcode 0x2 instead of 0x1 for the first fragment.
	Binary bool

	// Final sets FIN. A Send with Final=false makes the next Send a continuation.
	Final bool

	// Mask masks the payload with a fresh random key (client-to-server only).
	Mask bool

	// Owned hands the payload to the encoder: a large masked payload is then
	// XORed in place instead of copied. Callers must not reuse an owned buffer.
	Owned bool
}

// Encoder writes frames to a socket.
//
// It keeps only the state needed to emit continuation opcodes for a message
// sent in several calls. An Encoder is not safe for concurrent use.
type Encoder struct {
	w             io.Writer
	rand          io.Reader
	firstFragment bool
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, rand: rand.Reader, firstFragment: true}
}

// Send encodes payload as one frame and writes it.
//
// The first frame of a message carries the text or binary opcode, later ones
// the continuation opcode; a Final frame ends the message. Send returns when
// the underlying write returns, which for a TCP socket means the bytes were
// accepted into the kernel send buffer.
func (e *Encoder) Send(payload []byte, opts SendOptions) error {
	opcode := opcodeText
	if opts.Binary {
		opcode = opcodeBinary
	}

	if e.firstFragment {
		e.firstFragment = false
	} else {
		opcode = opcodeContinuation
	}
	if opts.Final {
		e.firstFragment = true
	}

	return e.writeFrame(payload, opcode, opts.Final, opts.Mask, opts.Owned)
}

// Control writes a close, ping or pong frame. It does not affect fragmentation.
func (e *Encoder) Control(opcode byte, payload []byte, mask bool) error {
	if !isControlFrame(opcode) || !isValidOpcode(opcode) {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, opcode)
	}
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	return e.writeFrame(payload, opcode, true, mask, false)
}

func (e *Encoder) writeFrame(payload []byte, opcode byte, fin, mask, owned bool) error {
	var key [4]byte
	if mask {
		if _, err := io.ReadFull(e.rand, key[:]); err != nil {
			return fmt.Errorf("generate mask: %w", err)
		}
	}

	bufs := buildFrame(payload, opcode, fin, mask, owned, key)
	if _, err := bufs.WriteTo(e.w); err != nil {
		return fmt.Errorf("write %s frame: %w", opcodeName(opcode), err)
	}
	return nil
}
