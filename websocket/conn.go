package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type connConfig struct {
	decoder        DecoderOptions
	readBufferSize int
	logger         zerolog.Logger
	metrics        *Metrics
}

// Conn is one server-side WebSocket connection.
//
// Conn owns a Decoder and an Encoder bound to the upgraded socket. Incoming
// bytes are decoded on the goroutine running Serve and events are delivered
// from there; Send and the other write methods may be called from any
// goroutine and are serialized.
//
// Event handlers must be installed before Serve is called.
type Conn struct {
	id      string
	conn    net.Conn
	decoder *Decoder
	encoder *Encoder
	logger  zerolog.Logger
	metrics *Metrics

	readBufferSize int
	leftover       []byte

	state   atomic.Int32
	served  atomic.Bool
	writeMu sync.Mutex

	closeOnce   sync.Once
	closeCode   CloseCode
	closeReason string
	done        chan struct{}

	onOpen    func(*Conn)
	onMessage func(*Conn, Message)
	onPing    func(*Conn, []byte)
	onPong    func(*Conn, []byte)
	onClose   func(*Conn, CloseCode, string)
	onError   func(*Conn, error)
}

// newConn binds a Decoder and an Encoder to an upgraded socket.
//
// The socket's deadlines are cleared and, for TCP, Nagle's algorithm is
// disabled so small frames leave immediately.
func newConn(netConn net.Conn, leftover []byte, cfg connConfig) *Conn {
	c := &Conn{
		id:             uuid.NewString(),
		conn:           netConn,
		metrics:        cfg.metrics,
		readBufferSize: cfg.readBufferSize,
		leftover:       leftover,
		done:           make(chan struct{}),
	}
	if c.readBufferSize <= 0 {
		c.readBufferSize = defaultReadBufferSize
	}
	c.logger = cfg.logger.With().
		Str("conn", c.id).
		Str("remote", addrString(netConn.RemoteAddr())).
		Logger()

	_ = netConn.SetDeadline(time.Time{})
	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c.decoder = NewDecoder(cfg.decoder, HandlerFuncs{
		Message: c.handleMessage,
		Ping:    c.handlePing,
		Pong:    c.handlePong,
		Close:   c.handleClose,
	})
	c.encoder = NewEncoder(netConn)

	c.state.Store(int32(StateOpen))
	c.metrics.connOpened()
	return c
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseStatus returns the code and reason the connection closed with.
// It is meaningful only after Done is closed.
func (c *Conn) CloseStatus() (CloseCode, string) {
	<-c.done
	return c.closeCode, c.closeReason
}

// OnOpen sets the handler called when Serve starts.
func (c *Conn) OnOpen(fn func(*Conn)) { c.onOpen = fn }

// OnMessage sets the handler for complete text and binary messages.
func (c *Conn) OnMessage(fn func(*Conn, Message)) { c.onMessage = fn }

// OnPing sets the handler for ping frames. The pong reply is sent before it runs.
func (c *Conn) OnPing(fn func(*Conn, []byte)) { c.onPing = fn }

// OnPong sets the handler for pong frames.
func (c *Conn) OnPong(fn func(*Conn, []byte)) { c.onPong = fn }

// OnClose sets the handler called exactly once when the connection closes.
func (c *Conn) OnClose(fn func(*Conn, CloseCode, string)) { c.onClose = fn }

// OnError sets the handler for protocol and transport errors. OnClose follows.
func (c *Conn) OnError(fn func(*Conn, error)) { c.onError = fn }

// Serve emits the open event and decodes incoming bytes until the connection
// closes or ctx is cancelled.
//
// It returns nil after a close handshake, a local Close or a clean EOF, the
// *ProtocolError that ended the connection, or the transport error.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.served.CompareAndSwap(false, true) {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close(CloseGoingAway, "")
	})
	defer stop()

	if c.onOpen != nil {
		c.onOpen(c)
	}

	if leftover := c.leftover; len(leftover) > 0 {
		c.leftover = nil
		if done, err := c.feed(leftover); done {
			return err
		}
	}

	for {
		buf := make([]byte, c.readBufferSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			if done, ferr := c.feed(buf[:n]); done {
				return ferr
			}
		}
		if err != nil {
			return c.readFailed(err)
		}
	}
}

// feed hands one chunk to the Decoder and reports whether reading must stop.
func (c *Conn) feed(chunk []byte) (bool, error) {
	if err := c.decoder.Add(chunk); err != nil {
		c.fail(err)
		return true, err
	}
	if c.decoder.Closed() || c.State() == StateClosed {
		return true, nil
	}
	return false, nil
}

// Send writes v as one message.
//
// Strings are sent as text, []byte and nil as binary, numbers as their
// decimal text. Any other type returns ErrInvalidMessageType. Server frames
// are never masked.
func (c *Conn) Send(v any) error {
	switch p := v.(type) {
	case nil:
		return c.SendBinary(nil)
	case string:
		return c.SendText(p)
	case []byte:
		return c.SendBinary(p)
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return c.SendText(fmt.Sprint(p))
	default:
		return fmt.Errorf("%w: %T", ErrInvalidMessageType, v)
	}
}

// SendText writes a text message.
func (c *Conn) SendText(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	return c.send([]byte(text), SendOptions{Final: true, Owned: true}, "text")
}

// SendBinary writes a binary message. data is not modified.
func (c *Conn) SendBinary(data []byte) error {
	return c.send(data, SendOptions{Binary: true, Final: true}, "binary")
}

// Ping sends a ping frame carrying at most 125 bytes.
func (c *Conn) Ping(data []byte) error {
	return c.writeControl(opcodePing, data)
}

// Pong sends an unsolicited pong frame carrying at most 125 bytes.
func (c *Conn) Pong(data []byte) error {
	return c.writeControl(opcodePong, data)
}

// Close sends a close frame and closes the socket. Calls after the first
// return nil.
func (c *Conn) Close(code CloseCode, reason string) error {
	started, err := c.startClosing(closePayload(code, reason))
	if !started {
		return nil
	}
	c.finish(code, reason)
	return err
}

// startClosing moves an open connection to StateClosing and writes the close
// frame. Both happen under writeMu so no frame can follow the close frame.
func (c *Conn) startClosing(payload []byte) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false, nil
	}
	if err := c.encoder.Control(opcodeClose, payload, false); err != nil {
		return true, err
	}
	c.metrics.sent("close")
	return true, nil
}

func (c *Conn) send(payload []byte, opts SendOptions, kind string) error {
	c.writeMu.Lock()
	if c.State() != StateOpen {
		c.writeMu.Unlock()
		return ErrNotOpen
	}
	err := c.encoder.Send(payload, opts)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		c.finish(CloseAbnormalClosure, "")
		return err
	}
	c.metrics.sent(kind)
	return nil
}

func (c *Conn) writeControl(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if err := c.encoder.Control(opcode, payload, false); err != nil {
		return err
	}
	c.metrics.sent(opcodeName(opcode))
	return nil
}

func (c *Conn) handleMessage(msg Message) {
	kind := "binary"
	if msg.Type == TextMessage {
		kind = "text"
	}
	c.metrics.received(kind)
	if c.onMessage != nil {
		c.onMessage(c, msg)
	}
}

func (c *Conn) handlePing(payload []byte) {
	c.metrics.received("ping")
	if err := c.writeControl(opcodePong, payload); err != nil {
		c.logger.Debug().Err(err).Msg("pong reply failed")
	}
	if c.onPing != nil {
		c.onPing(c, payload)
	}
}

func (c *Conn) handlePong(payload []byte) {
	c.metrics.received("pong")
	if c.onPong != nil {
		c.onPong(c, payload)
	}
}

// handleClose answers a peer close frame (RFC 6455 Section 5.5.1) by echoing
// its status code, then tears the connection down.
func (c *Conn) handleClose(code CloseCode, reason string) {
	c.metrics.received("close")
	if _, err := c.startClosing(closePayload(code, "")); err != nil {
		c.logger.Debug().Err(err).Msg("close reply failed")
	}
	c.logger.Debug().Int("code", int(code)).Str("reason", reason).Msg("peer closed connection")
	c.finish(code, reason)
}

// fail reports a fatal decoding error to the peer and closes the connection.
func (c *Conn) fail(err error) {
	code := CloseCodeOf(err)
	c.logger.Warn().Err(err).Int("code", int(code)).Msg("protocol error")

	if c.onError != nil {
		c.onError(c, err)
	}
	reason := err.Error()
	var pe *ProtocolError
	if errors.As(err, &pe) {
		reason = pe.Err.Error()
	}
	_, _ = c.startClosing(closePayload(code, reason))
	c.finish(code, err.Error())
}

// readFailed handles the error that ended a socket read.
func (c *Conn) readFailed(err error) error {
	if c.State() == StateClosed {
		return nil
	}
	if errors.Is(err, io.EOF) {
		c.logger.Debug().Msg("peer went away without close frame")
		c.finish(CloseAbnormalClosure, "")
		return nil
	}

	err = fmt.Errorf("read: %w", err)
	c.logger.Debug().Err(err).Msg("transport error")
	if c.onError != nil {
		c.onError(c, err)
	}
	c.finish(CloseAbnormalClosure, "")
	return err
}

// finish moves the connection to StateClosed, releases the socket and emits
// the close event. Only the first call has any effect.
func (c *Conn) finish(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeCode = code
		c.closeReason = reason
		_ = c.conn.Close()
		c.metrics.connClosed(code)
		close(c.done)

		if c.onClose != nil {
			c.onClose(c, code, reason)
		}
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
