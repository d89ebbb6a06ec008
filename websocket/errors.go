package websocket

import (
	"errors"
	"fmt"
)

// Framing errors (RFC 6455 Section 5 and 7.4.1).
//
// The Decoder never returns these directly: they are wrapped in a
// *ProtocolError that carries the close code to send to the peer.
var (
	// ErrReservedBits indicates RSV1/RSV2/RSV3 set without a negotiated extension.
	ErrReservedBits = errors.New("websocket: reserved bits must be 0")

	// ErrInvalidOpcode indicates an opcode in the reserved ranges 0x3-0x7 or 0xB-0xF.
	ErrInvalidOpcode = errors.New("websocket: invalid opcode")

	// ErrUnexpectedContinuation indicates a continuation frame with no fragmented
	// message in progress.
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")

	// ErrUnexpectedDataFrame indicates a text or binary frame arriving while a
	// fragmented message is still being assembled.
	ErrUnexpectedDataFrame = errors.New("websocket: data frame inside fragmented message")

	// ErrControlFragmented indicates a control frame with FIN=0.
	ErrControlFragmented = errors.New("websocket: control frame must not be fragmented")

	// ErrControlTooLarge indicates a control frame payload above 125 bytes.
	ErrControlTooLarge = errors.New("websocket: control frame payload too large")

	// ErrUnsupportedLength indicates a 64-bit payload length with the most
	// significant bit set, or one this platform cannot allocate.
	ErrUnsupportedLength = errors.New("websocket: unsupported payload length")

	// ErrMessageTooLarge indicates the configured max payload was exceeded.
	ErrMessageTooLarge = errors.New("websocket: max payload size exceeded")

	// ErrInvalidUTF8 indicates a text message or close reason that is not UTF-8.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8 sequence")

	// ErrInvalidCloseCode indicates a close status code outside the ranges a
	// peer may send.
	ErrInvalidCloseCode = errors.New("websocket: invalid close status code")

	// ErrInvalidClosePayload indicates a close frame with a 1-byte payload.
	ErrInvalidClosePayload = errors.New("websocket: invalid close payload length")

	// ErrMaskRequired indicates an unmasked client frame when masking is enforced.
	ErrMaskRequired = errors.New("websocket: client frames must be masked")
)

// Handshake errors (RFC 6455 Section 4.2.1).
var (
	ErrInvalidMethod  = errors.New("websocket: method must be GET")
	ErrMissingUpgrade = errors.New("websocket: missing or invalid Upgrade header")
	ErrMissingSecKey  = errors.New("websocket: missing Sec-WebSocket-Key header")
	ErrInvalidVersion = errors.New("websocket: unsupported WebSocket version")
	ErrPathMismatch   = errors.New("websocket: request path does not match")
	ErrOriginDenied   = errors.New("websocket: origin check failed")
	ErrHijackFailed   = errors.New("websocket: cannot hijack connection")
)

// Connection and server errors.
var (
	// ErrNotOpen is returned by send operations outside the OPEN state.
	ErrNotOpen = errors.New("websocket: connection is not open")

	// ErrClosed is returned by Serve on a connection that is already served.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrInvalidMessageType indicates a payload Send cannot encode.
	ErrInvalidMessageType = errors.New("websocket: invalid message type")

	// ErrInvalidConfig indicates an unusable ServerOptions value.
	ErrInvalidConfig = errors.New("websocket: invalid server configuration")
)

// ProtocolError is a fatal framing-layer violation.
//
// Code is the close status the connection reports to the peer: 1002 for rule
// violations, 1007 for invalid UTF-8, 1009 for size limits.
type ProtocolError struct {
	Code CloseCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v (close %d)", e.Err, int(e.Code))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(code CloseCode, err error) *ProtocolError {
	return &ProtocolError{Code: code, Err: err}
}

// CloseCodeOf returns the close code a failed connection should report for err.
//
// Protocol errors carry their own code; anything else (transport failures)
// maps to CloseAbnormalClosure.
func CloseCodeOf(err error) CloseCode {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CloseAbnormalClosure
}
