package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Magic GUID from RFC 6455 Section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	// DefaultMaxPayload is the message size limit applied when none is configured.
	DefaultMaxPayload = 100 << 20

	defaultReadBufferSize = 4096
)

// UpgradeOptions configures Upgrade. Zero values use defaults.
type UpgradeOptions struct {
	// Path the request must target. Empty accepts any path.
	Path string

	// MaxPayload bounds one message. 0 selects DefaultMaxPayload, a negative
	// value disables the limit.
	MaxPayload int64

	// BinaryType selects how binary messages are delivered.
	BinaryType BinaryType

	// RequireMask closes connections whose frames are not masked.
	RequireMask bool

	// CheckOrigin verifies the Origin header. nil allows every origin.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets the size of each socket read (default: 4096).
	ReadBufferSize int

	// Logger receives connection logs. nil disables logging.
	Logger *zerolog.Logger

	// Metrics records handshake and connection statistics. May be nil.
	Metrics *Metrics
}

func (o *UpgradeOptions) maxPayload() int64 {
	switch {
	case o.MaxPayload == 0:
		return DefaultMaxPayload
	case o.MaxPayload < 0:
		return 0
	default:
		return o.MaxPayload
	}
}

func (o *UpgradeOptions) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// Upgrade performs the server side of the opening handshake (RFC 6455 Section 4.2).
//
// An ineligible request is answered with 400 Bad Request and Connection:
// close, the socket is closed and the validation error returned. Otherwise
// the 101 response is written on the hijacked socket and a Conn in the OPEN
// state is returned; bytes the client sent after the request head are kept
// and decoded first once Serve runs.
//
// Example:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := websocket.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    conn.OnMessage(func(c *websocket.Conn, m websocket.Message) {
//	        _ = c.SendBinary(m.Bytes())
//	    })
//	    _ = conn.Serve(r.Context())
//	}
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	start := time.Now()

	_, span := tracer.Start(r.Context(), "websocket.upgrade", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.path", r.URL.Path),
		attribute.String("net.peer", r.RemoteAddr),
	)

	if err := validateRequest(r, opts); err != nil {
		rejectHandshake(w, http.StatusBadRequest)
		opts.Metrics.observeUpgrade(start, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conn, err := acceptHandshake(w, r, opts)
	opts.Metrics.observeUpgrade(start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("websocket.conn", conn.ID()))
	return conn, nil
}

// validateRequest checks the upgrade request (RFC 6455 Section 4.2.1).
func validateRequest(r *http.Request, opts *UpgradeOptions) error {
	if r.Method != http.MethodGet {
		return ErrInvalidMethod
	}
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return ErrMissingUpgrade
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return ErrMissingSecKey
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")) != "13" {
		return ErrInvalidVersion
	}
	if opts.Path != "" && r.URL.Path != opts.Path {
		return ErrPathMismatch
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return ErrOriginDenied
	}
	return nil
}

func acceptHandshake(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHijackFailed, err)
	}

	if err := writeHandshake(bufrw.Writer, computeAcceptKey(r.Header.Get("Sec-WebSocket-Key"))); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	leftover, err := drainBuffered(bufrw.Reader)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	size := opts.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}

	return newConn(netConn, leftover, connConfig{
		decoder: DecoderOptions{
			MaxPayload:  opts.maxPayload(),
			BinaryType:  opts.BinaryType,
			RequireMask: opts.RequireMask,
		},
		readBufferSize: size,
		logger:         opts.logger(),
		metrics:        opts.Metrics,
	}), nil
}

// computeAcceptKey computes Sec-WebSocket-Accept from the client key.
//
// RFC 6455 Section 1.3: base64(SHA-1(key + GUID)).
//
//	computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==") == "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeHandshake writes the 101 response and flushes it.
func writeHandshake(w *bufio.Writer, accept string) error {
	_, _ = w.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_, _ = w.WriteString("Upgrade: websocket\r\n")
	_, _ = w.WriteString("Connection: Upgrade\r\n")
	_, _ = w.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	_, _ = w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// rejectHandshake answers with an HTTP error and closes the socket.
//
// The raw response is written on the hijacked socket so the connection is torn
// down right after it; writers that cannot be hijacked get the same headers
// through the ResponseWriter.
func rejectHandshake(w http.ResponseWriter, code int) {
	body := http.StatusText(code)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h := w.Header()
		h.Set("Connection", "close")
		h.Set("Content-Type", "text/html")
		h.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
		return
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return
	}
	_ = writeRejection(bufrw.Writer, code, body)
	_ = netConn.Close()
}

func writeRejection(w *bufio.Writer, code int, body string) error {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	_, _ = w.WriteString("Connection: close\r\n")
	_, _ = w.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
	_, _ = w.WriteString(body)
	return w.Flush()
}

// drainBuffered returns the bytes the HTTP server read past the request head.
func drainBuffered(r *bufio.Reader) ([]byte, error) {
	n := r.Buffered()
	if n == 0 {
		return nil, nil
	}
	leftover := make([]byte, n)
	if _, err := io.ReadFull(r, leftover); err != nil {
		return nil, fmt.Errorf("read buffered bytes: %w", err)
	}
	return leftover, nil
}

// headerContainsToken checks if header value contains token (case-insensitive).
//
//	headerContainsToken("Upgrade, HTTP/2.0", "upgrade") // true
//	headerContainsToken("keep-alive", "upgrade")        // false
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}
	return false
}

// CheckSameOrigin accepts requests without an Origin header and requests whose
// Origin matches the Host they were sent to.
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return strings.EqualFold(origin, scheme+"://"+r.Host)
}
