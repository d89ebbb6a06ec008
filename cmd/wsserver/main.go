// Command wsserver runs a standalone WebSocket server that either echoes every
// message back to its sender or relays it to all connected clients.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/coregx/wsstream/internal/config"
	"github.com/coregx/wsstream/internal/observability"
	"github.com/coregx/wsstream/websocket"
)

const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format, cfg.AppName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	observability.RegisterRuntimeCollectors(reg)

	tel, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.Telemetry.MetricsAddr,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, reg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	if err := run(ctx, cfg, reg, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tel.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger zerolog.Logger) error {
	var srv *websocket.Server

	opts := cfg.ServerOptions()
	opts.Logger = &logger
	opts.Registerer = reg
	opts.OnConnection = func(c *websocket.Conn, r *http.Request) {
		l := logger.With().Str("conn", c.ID()).Logger()
		l.Info().Str("remote", r.RemoteAddr).Str("mode", cfg.Mode).Msg("client connected")

		c.OnMessage(func(c *websocket.Conn, m websocket.Message) {
			if cfg.Mode == config.ModeBroadcast {
				relay(srv, m)
				return
			}
			if err := echo(c, m); err != nil {
				l.Debug().Err(err).Msg("echo failed")
			}
		})
		c.OnError(func(_ *websocket.Conn, err error) {
			l.Warn().Err(err).Msg("connection error")
		})
		c.OnClose(func(_ *websocket.Conn, code websocket.CloseCode, reason string) {
			l.Info().Int("code", int(code)).Str("reason", reason).Msg("client disconnected")
		})
	}

	srv, err := websocket.NewServer(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Debug().Int("connections", srv.Connections()).Msg("stats")
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func echo(c *websocket.Conn, m websocket.Message) error {
	if m.Type == websocket.TextMessage {
		return c.SendText(m.Text())
	}
	return c.SendBinary(m.Bytes())
}

func relay(srv *websocket.Server, m websocket.Message) {
	if m.Type == websocket.TextMessage {
		srv.BroadcastText(m.Text())
		return
	}
	srv.Broadcast(m.Bytes())
}
