// Package websocket implements the server side of the RFC 6455 WebSocket protocol.
//
// The package is split into three layers:
//   - Handshake: validates the HTTP upgrade request and answers with 101
//     Switching Protocols (RFC 6455 Section 4).
//   - Framing: a streaming Decoder that turns arbitrarily chunked socket reads
//     into messages and control events, and an Encoder that serializes
//     outbound payloads into frames (RFC 6455 Section 5).
//   - Connection: Conn binds one Decoder and one Encoder to a socket and
//     relays events to the application; Server owns the listener side.
//
// Per-message compression (RFC 7692) and subprotocol negotiation are not
// implemented. Frames with RSV bits set are rejected.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

// Opcode values defined in RFC 6455 Section 5.2.
//
// 0x0-0x2 are data frames, 0x8-0xA are control frames, the rest is reserved.
const (
	opcodeContinuation byte = 0x0
	opcodeText         byte = 0x1
	opcodeBinary       byte = 0x2
	opcodeClose        byte = 0x8
	opcodePing         byte = 0x9
	opcodePong         byte = 0xA
)

// Bits of the first two header bytes.
const (
	finBit     byte = 0x80
	rsvBits    byte = 0x70
	opcodeBits byte = 0x0F
	maskBit    byte = 0x80
	lenBits    byte = 0x7F
)

// isControlFrame reports whether opcode belongs to the control range (0x8-0xF).
//
// RFC 6455 Section 5.5: control frames must not be fragmented and carry at
// most 125 bytes of payload, but may be interleaved with a fragmented message.
func isControlFrame(opcode byte) bool {
	return opcode&0x08 != 0
}

// isValidOpcode returns true for the six opcodes RFC 6455 defines.
func isValidOpcode(opcode byte) bool {
	switch opcode {
	case opcodeContinuation, opcodeText, opcodeBinary,
		opcodeClose, opcodePing, opcodePong:
		return true
	default:
		return false
	}
}

func opcodeName(opcode byte) string {
	switch opcode {
	case opcodeContinuation:
		return "continuation"
	case opcodeText:
		return "text"
	case opcodeBinary:
		return "binary"
	case opcodeClose:
		return "close"
	case opcodePing:
		return "ping"
	case opcodePong:
		return "pong"
	default:
		return "reserved"
	}
}
