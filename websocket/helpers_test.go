package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const eventTimeout = 2 * time.Second

// event is one decoded item, either seen by a test peer or recorded from a
// Decoder.
type event struct {
	kind    string // message, ping, pong, close
	msg     Message
	payload []byte
	code    CloseCode
	reason  string
}

func (e event) String() string {
	switch e.kind {
	case "message":
		return fmt.Sprintf("message(%s,%q)", e.msg.Type, e.msg.Bytes())
	case "close":
		return fmt.Sprintf("close(%d,%q)", e.code, e.reason)
	default:
		return fmt.Sprintf("%s(%q)", e.kind, e.payload)
	}
}

// recorder collects Decoder events in order.
type recorder struct {
	events []event
}

func (r *recorder) OnMessage(msg Message) {
	r.events = append(r.events, event{kind: "message", msg: msg})
}

func (r *recorder) OnPing(p []byte) {
	r.events = append(r.events, event{kind: "ping", payload: p})
}

func (r *recorder) OnPong(p []byte) {
	r.events = append(r.events, event{kind: "pong", payload: p})
}

func (r *recorder) OnClose(code CloseCode, reason string) {
	r.events = append(r.events, event{kind: "close", code: code, reason: reason})
}

func (r *recorder) strings() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.String()
	}
	return out
}

// rawFrame builds a frame the way a client would, with any header bits.
// The payload is copied, so the caller's slice is left untouched.
func rawFrame(fin bool, rsv, opcode byte, masked bool, payload []byte) []byte {
	var key [4]byte
	if masked {
		key = [4]byte{0x37, 0xfa, 0x21, 0x3d}
	}
	p := append([]byte(nil), payload...)
	bufs := buildFrame(p, opcode, fin, masked, true, key)
	out := make([]byte, 0, len(p)+14)
	for _, b := range bufs {
		out = append(out, b...)
	}
	out[0] |= rsv
	return out
}

// clientFrame is a masked, final frame.
func clientFrame(opcode byte, payload []byte) []byte {
	return rawFrame(true, 0, opcode, true, payload)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// testPeer is the client end of a connection under test.
type testPeer struct {
	t      *testing.T
	conn   net.Conn
	events chan event
	err    error
	mu     sync.Mutex
}

// newTestPeer decodes everything read from r (usually conn) in the background.
func newTestPeer(t *testing.T, conn net.Conn, r io.Reader) *testPeer {
	t.Helper()
	if r == nil {
		r = conn
	}
	p := &testPeer{t: t, conn: conn, events: make(chan event, 128)}

	dec := NewDecoder(DecoderOptions{}, HandlerFuncs{
		Message: func(m Message) { p.events <- event{kind: "message", msg: m} },
		Ping:    func(b []byte) { p.events <- event{kind: "ping", payload: b} },
		Pong:    func(b []byte) { p.events <- event{kind: "pong", payload: b} },
		Close:   func(c CloseCode, s string) { p.events <- event{kind: "close", code: c, reason: s} },
	})

	go func() {
		defer close(p.events)
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			if n > 0 {
				if derr := dec.Add(buf[:n]); derr != nil {
					p.setErr(derr)
					return
				}
			}
			if err != nil {
				p.setErr(err)
				return
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func (p *testPeer) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *testPeer) write(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *testPeer) sendText(s string) {
	p.t.Helper()
	p.write(clientFrame(opcodeText, []byte(s)))
}

// next returns the next event or fails the test after eventTimeout.
func (p *testPeer) next() event {
	p.t.Helper()
	select {
	case e, ok := <-p.events:
		if !ok {
			p.t.Fatalf("connection ended before next event: %v", p.err)
		}
		return e
	case <-time.After(eventTimeout):
		p.t.Fatal("timed out waiting for event")
	}
	return event{}
}

// waitClosed waits until the server side closes the socket.
func (p *testPeer) waitClosed() {
	p.t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case _, ok := <-p.events:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("timed out waiting for connection to close")
		}
	}
}

// pipeConn returns a server Conn and a peer connected through net.Pipe.
func pipeConn(t *testing.T, cfg connConfig) (*Conn, *testPeer) {
	t.Helper()
	server, client := net.Pipe()
	c := newConn(server, nil, cfg)
	return c, newTestPeer(t, client, nil)
}

// serveAsync runs Serve and returns a channel carrying its result.
func serveAsync(c *Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()
	return done
}

// dialTest performs a client handshake against addr and returns the peer.
func dialTest(t *testing.T, addr, path string, extra ...string) (*testPeer, *http.Response) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	key := make([]byte, 16)
	_, err = rand.Read(key)
	require.NoError(t, err)

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", base64.StdEncoding.EncodeToString(key))
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("\r\n")

	payload := []byte(req.String())
	for _, e := range extra {
		payload = append(payload, e...)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return nil, resp
	}
	require.Equal(t, computeAcceptKey(base64.StdEncoding.EncodeToString(key)), resp.Header.Get("Sec-WebSocket-Accept"))

	return newTestPeer(t, conn, br), resp
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
