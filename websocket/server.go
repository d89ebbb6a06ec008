package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHost = "127.0.0.1"
	defaultPath = "/"

	shutdownGrace = 5 * time.Second
)

// ServerOptions configures a Server.
//
// Exactly one of Port and Mux must be set: Port makes the Server run its own
// HTTP listener on Host:Port, Mux mounts the Server at Path on an existing
// mux served by the caller.
type ServerOptions struct {
	Port int
	Mux  *http.ServeMux

	Host string // default "127.0.0.1"
	Path string // default "/"

	// MaxPayload bounds one message. 0 selects DefaultMaxPayload, a negative
	// value disables the limit.
	MaxPayload int64

	BinaryType     BinaryType
	RequireMask    bool
	ReadBufferSize int
	CheckOrigin    func(*http.Request) bool

	// OnConnection is called for every accepted connection before it starts
	// reading; install the connection's event handlers here.
	OnConnection func(*Conn, *http.Request)

	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

// Server accepts WebSocket connections.
type Server struct {
	opts    ServerOptions
	upgrade UpgradeOptions
	logger  zerolog.Logger
	hub     *Hub

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewServer validates opts and returns a Server.
//
// With Mux set the Server registers itself on it immediately. With Port set
// nothing listens until ListenAndServe is called.
func NewServer(opts ServerOptions) (*Server, error) {
	if (opts.Port == 0) == (opts.Mux == nil) {
		return nil, fmt.Errorf("%w: exactly one of Port and Mux must be set", ErrInvalidConfig)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, opts.Port)
	}
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("%w: path %q must start with /", ErrInvalidConfig, opts.Path)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		hub:    NewHub(),
		upgrade: UpgradeOptions{
			Path:           opts.Path,
			MaxPayload:     opts.MaxPayload,
			BinaryType:     opts.BinaryType,
			RequireMask:    opts.RequireMask,
			CheckOrigin:    opts.CheckOrigin,
			ReadBufferSize: opts.ReadBufferSize,
			Logger:         &logger,
			Metrics:        NewMetrics(opts.Registerer),
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.hub.Run()

	if opts.Mux != nil {
		opts.Mux.Handle(opts.Path, s)
	} else {
		s.httpServer = &http.Server{
			Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
			Handler:           s,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
//
// When the Server owns its listener, plain HTTP requests get 426 Upgrade
// Required.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.httpServer != nil && r.Header.Get("Upgrade") == "" {
		body := http.StatusText(http.StatusUpgradeRequired)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte(body))
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	conn, err := Upgrade(w, r, &s.upgrade)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		return
	}

	s.logger.Debug().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("connection accepted")
	if s.opts.OnConnection != nil {
		s.opts.OnConnection(conn, r)
	}
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	if err := conn.Serve(s.ctx); err != nil {
		s.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("connection ended with error")
	}
}

// ListenAndServe listens on Host:Port and serves until ctx is cancelled or
// the listener fails, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("%w: server was created with an external mux", ErrInvalidConfig)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.opts.Path).Msg("websocket server listening")

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the listener address once ListenAndServe is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Broadcast sends a binary message to every open connection.
func (s *Server) Broadcast(data []byte) { s.hub.Broadcast(data) }

// BroadcastText sends a text message to every open connection.
func (s *Server) BroadcastText(text string) { s.hub.BroadcastText(text) }

// Connections returns the number of open connections.
func (s *Server) Connections() int { return s.hub.ClientCount() }

// Shutdown stops accepting, closes every connection with 1001 and waits for
// their handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	_ = s.hub.Close()

	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
