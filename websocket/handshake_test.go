package websocket

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upgradeRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, http.NoBody)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	return req
}

// TestComputeAcceptKey validates the RFC 6455 Section 1.3 example.
func TestComputeAcceptKey(t *testing.T) {
	if got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("computeAcceptKey() = %q, want %q", got, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	}
}

func TestUpgrade_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *http.Request)
		opts   *UpgradeOptions
		want   error
	}{
		{"post", func(r *http.Request) { r.Method = http.MethodPost }, nil, ErrInvalidMethod},
		{"put", func(r *http.Request) { r.Method = http.MethodPut }, nil, ErrInvalidMethod},
		{"missing upgrade", func(r *http.Request) { r.Header.Del("Upgrade") }, nil, ErrMissingUpgrade},
		{"wrong upgrade", func(r *http.Request) { r.Header.Set("Upgrade", "h2c") }, nil, ErrMissingUpgrade},
		{"missing key", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") }, nil, ErrMissingSecKey},
		{"missing version", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Version") }, nil, ErrInvalidVersion},
		{"version 8", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") }, nil, ErrInvalidVersion},
		{"path", func(*http.Request) {}, &UpgradeOptions{Path: "/other"}, ErrPathMismatch},
		{
			"origin",
			func(r *http.Request) { r.Header.Set("Origin", "http://evil.example") },
			&UpgradeOptions{CheckOrigin: CheckSameOrigin},
			ErrOriginDenied,
		},
		{
			// Method is checked before headers.
			"method wins",
			func(r *http.Request) {
				r.Method = http.MethodPost
				r.Header.Del("Upgrade")
			},
			nil, ErrInvalidMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := upgradeRequest(http.MethodGet, "/ws")
			tt.mutate(req)
			w := httptest.NewRecorder()

			conn, err := Upgrade(w, req, tt.opts)
			assert.Nil(t, conn)
			assert.ErrorIs(t, err, tt.want)

			// Recorders cannot be hijacked: the rejection goes through the
			// ResponseWriter with the same headers.
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "close", w.Header().Get("Connection"))
			assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
			assert.Equal(t, "11", w.Header().Get("Content-Length"))
			assert.Equal(t, "Bad Request", w.Body.String())
		})
	}
}

func TestUpgrade_HeaderCaseAndLists(t *testing.T) {
	req := upgradeRequest(http.MethodGet, "/")
	req.Header.Set("Upgrade", "WebSocket")
	req.Header.Del("Connection")

	// Validation passes; only the hijack fails on a recorder.
	_, err := Upgrade(httptest.NewRecorder(), req, nil)
	assert.ErrorIs(t, err, ErrHijackFailed)

	req.Header.Set("Upgrade", "foo, websocket")
	_, err = Upgrade(httptest.NewRecorder(), req, nil)
	assert.ErrorIs(t, err, ErrHijackFailed)
}

func TestUpgrade_RejectMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	opts := &UpgradeOptions{Metrics: m}

	req := upgradeRequest(http.MethodGet, "/")
	req.Header.Set("Sec-WebSocket-Version", "7")
	_, err := Upgrade(httptest.NewRecorder(), req, opts)
	require.ErrorIs(t, err, ErrInvalidVersion)

	_, err = Upgrade(httptest.NewRecorder(), upgradeRequest(http.MethodDelete, "/"), opts)
	require.ErrorIs(t, err, ErrInvalidMethod)

	assert.InDelta(t, 1, testutil.ToFloat64(m.rejected.WithLabelValues("version")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejected.WithLabelValues("method")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.rejected))
	assert.Equal(t, 1, testutil.CollectAndCount(m.upgradeSeconds))
}

func TestUpgrade_RawRejection(t *testing.T) {
	errs := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := Upgrade(w, r, nil)
		errs <- err
	}))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 12\r\n\r\n", srv.Listener.Addr())

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.True(t, resp.Close, "Connection: close expected")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bad Request", string(body))

	// The server closed the socket after the response.
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, <-errs, ErrInvalidVersion)
}

func TestUpgrade_AcceptAndLeftover(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, &UpgradeOptions{Path: "/ws", Metrics: m})
		if err != nil {
			return
		}
		conn.OnMessage(func(c *Conn, msg Message) {
			_ = c.SendText("echo:" + msg.Text())
		})
		_ = conn.Serve(r.Context())
	}))
	defer srv.Close()

	// The first frame is written together with the request head.
	early := string(clientFrame(opcodeText, []byte("early")))
	peer, resp := dialTest(t, srv.Listener.Addr().String(), "/ws", early)
	require.NotNil(t, peer)
	assert.Equal(t, "websocket", resp.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", resp.Header.Get("Connection"))

	e := peer.next()
	assert.Equal(t, "echo:early", e.msg.Text())

	peer.sendText("late")
	assert.Equal(t, "echo:late", peer.next().msg.Text())

	peer.write(clientFrame(opcodeClose, closeBody(1000, "")))
	e = peer.next()
	assert.Equal(t, "close", e.kind)
	assert.Equal(t, CloseNormalClosure, e.code)
	peer.waitClosed()

	assert.InDelta(t, 1, testutil.ToFloat64(m.accepted), 0)
}

func TestHeaderContainsToken(t *testing.T) {
	tests := []struct {
		header, token string
		want          bool
	}{
		{"websocket", "websocket", true},
		{"WebSocket", "websocket", true},
		{"keep-alive, Upgrade", "upgrade", true},
		{" upgrade ", "upgrade", true},
		{"keep-alive", "upgrade", false},
		{"", "upgrade", false},
		{"websockets", "websocket", false},
	}
	for _, tt := range tests {
		if got := headerContainsToken(tt.header, tt.token); got != tt.want {
			t.Errorf("headerContainsToken(%q, %q) = %v, want %v", tt.header, tt.token, got, tt.want)
		}
	}
}

func TestCheckSameOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		tls    bool
		want   bool
	}{
		{"no origin", "", "example.com", false, true},
		{"same origin", "http://example.com", "example.com", false, true},
		{"same origin case", "HTTP://Example.com", "example.com", false, true},
		{"same origin tls", "https://example.com", "example.com", true, true},
		{"scheme mismatch", "http://example.com", "example.com", true, false},
		{"different host", "http://evil.com", "example.com", false, false},
		{"port mismatch", "http://example.com:8080", "example.com", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Host = tt.host
			req.TLS = nil
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, CheckSameOrigin(req))
		})
	}
}

func TestUpgradeOptions_MaxPayload(t *testing.T) {
	assert.EqualValues(t, DefaultMaxPayload, (&UpgradeOptions{}).maxPayload())
	assert.EqualValues(t, 0, (&UpgradeOptions{MaxPayload: -1}).maxPayload())
	assert.EqualValues(t, 512, (&UpgradeOptions{MaxPayload: 512}).maxPayload())
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "origin", rejectReason(ErrOriginDenied))
	assert.Equal(t, "io", rejectReason(fmt.Errorf("%w: boom", ErrHijackFailed)))
	assert.Equal(t, "io", rejectReason(errors.New("write handshake: EOF")))
}

func BenchmarkComputeAcceptKey(b *testing.B) {
	key := strings.Repeat("k", 24)
	for b.Loop() {
		_ = computeAcceptKey(key)
	}
}
