package websocket

import (
	"encoding/binary"
	"net"
	"unicode/utf8"
)

// Payloads shorter than mergeThreshold are copied behind the header so the
// frame goes out as one buffer.
const mergeThreshold = 1024

// Frame layout (RFC 6455 Section 5.2):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//	:                     Payload Data continued ...                :
//	+---------------------------------------------------------------+

// buildFrame serializes one frame into one or two buffers.
//
// The result is a single buffer when the payload is shorter than
// mergeThreshold, or when it must be masked but is not owned by the encoder.
// Otherwise the header and payload are returned separately so the payload is
// never copied; in that case a masked payload is XORed in place, which is
// only allowed when owned is true.
func buildFrame(data []byte, opcode byte, fin, mask, owned bool, key [4]byte) net.Buffers {
	n := len(data)
	merge := n < mergeThreshold || (mask && !owned)

	offset := 2
	if mask {
		offset += 4
	}
	lenField := byte(n)
	switch {
	case n >= 1<<16:
		offset += 8
		lenField = payloadLen64Bit
	case n > maxControlPayload:
		offset += 2
		lenField = payloadLen16Bit
	}

	size := offset
	if merge {
		size += n
	}
	target := make([]byte, size)

	target[0] = opcode
	if fin {
		target[0] |= finBit
	}
	target[1] = lenField
	switch lenField {
	case payloadLen16Bit:
		binary.BigEndian.PutUint16(target[2:], uint16(n))
	case payloadLen64Bit:
		binary.BigEndian.PutUint64(target[2:], uint64(n))
	}

	if !mask {
		if merge {
			copy(target[offset:], data)
			return net.Buffers{target}
		}
		return net.Buffers{target, data}
	}

	target[1] |= maskBit
	copy(target[offset-4:offset], key[:])

	if merge {
		for i, b := range data {
			target[offset+i] = b ^ key[i&3]
		}
		return net.Buffers{target}
	}

	applyMask(data, key)
	return net.Buffers{target, data}
}

// applyMask XORs data in place with the masking key (RFC 6455 Section 5.3).
//
// The transform is its own inverse: applying it twice restores the input.
func applyMask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i&3]
	}
}

// closePayload builds the body of a close frame: a 2-byte status code followed
// by the UTF-8 reason. CloseNoStatusReceived yields an empty body.
func closePayload(code CloseCode, reason string) []byte {
	if code == CloseNoStatusReceived {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
		for len(reason) > 0 && !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}
