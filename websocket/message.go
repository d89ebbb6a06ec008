package websocket

import (
	"errors"
	"strings"
)

// MessageType is the type of an application message (RFC 6455 Section 5.6).
type MessageType int

const (
	// TextMessage is a UTF-8 text message (opcode 0x1).
	TextMessage MessageType = 1

	// BinaryMessage is an arbitrary binary message (opcode 0x2).
	BinaryMessage MessageType = 2
)

// String returns string representation of message type.
func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// BinaryType controls how a completed binary message is materialized.
type BinaryType int

const (
	// BinaryBuffer delivers one contiguous []byte in Message.Data. When the
	// message arrived in a single read it aliases the receive buffer.
	BinaryBuffer BinaryType = iota

	// BinaryArrayBuffer delivers Message.Data as a detached copy whose backing
	// array has exactly len(Data) bytes and is referenced by nothing else.
	BinaryArrayBuffer

	// BinaryFragments delivers the raw per-frame payloads in Message.Fragments.
	BinaryFragments
)

// String returns the configuration name of the binary type.
func (bt BinaryType) String() string {
	switch bt {
	case BinaryBuffer:
		return "buffer"
	case BinaryArrayBuffer:
		return "arraybuffer"
	case BinaryFragments:
		return "fragments"
	default:
		return "unknown"
	}
}

// ParseBinaryType maps a configuration name to a BinaryType.
//
// Accepted names: "buffer" (or "nodebuffer"), "arraybuffer", "fragments".
func ParseBinaryType(s string) (BinaryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buffer", "nodebuffer":
		return BinaryBuffer, nil
	case "arraybuffer":
		return BinaryArrayBuffer, nil
	case "fragments":
		return BinaryFragments, nil
	default:
		return BinaryBuffer, errors.New("websocket: unknown binary type " + s)
	}
}

// Message is one complete application message assembled by the Decoder.
//
// Exactly one of Data and Fragments is populated: Fragments only for binary
// messages decoded with BinaryFragments.
type Message struct {
	Type      MessageType
	Data      []byte
	Fragments [][]byte
}

// Text returns the payload of a text message as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// Len returns the total payload length.
func (m Message) Len() int {
	if m.Fragments == nil {
		return len(m.Data)
	}
	n := 0
	for _, f := range m.Fragments {
		n += len(f)
	}
	return n
}

// Bytes returns the payload as one contiguous slice, joining fragments if needed.
func (m Message) Bytes() []byte {
	if m.Fragments == nil {
		return m.Data
	}
	return concatFragments(m.Fragments, m.Len())
}

// CloseCode represents WebSocket close status codes (RFC 6455 Section 7.4).
type CloseCode int

const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005 // never sent on the wire
	CloseAbnormalClosure         CloseCode = 1006 // never sent on the wire
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseBadGateway              CloseCode = 1014
	CloseTLSHandshake            CloseCode = 1015 // never sent on the wire
)

// String returns string representation of close code.
//
//nolint:cyclop // one case per registered code
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "Normal Closure"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseUnsupportedData:
		return "Unsupported Data"
	case CloseNoStatusReceived:
		return "No Status Received"
	case CloseAbnormalClosure:
		return "Abnormal Closure"
	case CloseInvalidFramePayloadData:
		return "Invalid Frame Payload Data"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseMandatoryExtension:
		return "Mandatory Extension"
	case CloseInternalServerErr:
		return "Internal Server Error"
	case CloseServiceRestart:
		return "Service Restart"
	case CloseTryAgainLater:
		return "Try Again Later"
	case CloseBadGateway:
		return "Bad Gateway"
	case CloseTLSHandshake:
		return "TLS Handshake"
	default:
		return "Unknown"
	}
}

// isValidReceivedCloseCode reports whether a peer may put code in a close frame.
//
// RFC 6455 Section 7.4: 1004-1006 and 1015 are reserved for local use, 1016-2999
// are unassigned, 3000-4999 belong to libraries and applications.
func isValidReceivedCloseCode(code CloseCode) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// IsCloseError reports whether err marks a connection that has been closed,
// either by a close frame or by a fatal protocol error.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrNotOpen) || errors.As(err, &pe)
}
