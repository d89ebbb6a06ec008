// Package config loads the wsserver configuration from defaults, an optional
// YAML file and WSSTREAM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/coregx/wsstream/websocket"
)

// EnvPrefix prefixes every environment override, e.g. WSSTREAM_SERVER_PORT.
const EnvPrefix = "WSSTREAM"

// Server modes.
const (
	ModeEcho      = "echo"
	ModeBroadcast = "broadcast"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("config: invalid value")

// Config is the wsserver configuration.
type Config struct {
	AppName         string        `mapstructure:"app_name"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// WebSocketConfig controls the protocol limits applied to each connection.
type WebSocketConfig struct {
	MaxPayload     int64  `mapstructure:"max_payload"`
	BinaryType     string `mapstructure:"binary_type"`
	RequireMask    bool   `mapstructure:"require_mask"`
	ReadBufferSize int    `mapstructure:"read_buffer_size"`
	SameOrigin     bool   `mapstructure:"same_origin"`
}

// LogConfig selects the zerolog level and output format ("json" or "console").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls the metrics listener and trace export.
type TelemetryConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

var defaults = map[string]any{
	"app_name":                   "wsserver",
	"mode":                       ModeEcho,
	"shutdown_timeout":           10 * time.Second,
	"server.host":                "127.0.0.1",
	"server.port":                8080,
	"server.path":                "/",
	"websocket.max_payload":      int64(websocket.DefaultMaxPayload),
	"websocket.binary_type":      "buffer",
	"websocket.require_mask":     false,
	"websocket.read_buffer_size": 4096,
	"websocket.same_origin":      false,
	"log.level":                  "info",
	"log.format":                 "json",
	"telemetry.metrics_addr":     "127.0.0.1:9090",
	"telemetry.otlp_endpoint":    "",
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeEcho && c.Mode != ModeBroadcast:
		return fmt.Errorf("%w: mode %q", ErrInvalid, c.Mode)
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port %d", ErrInvalid, c.Server.Port)
	case !strings.HasPrefix(c.Server.Path, "/"):
		return fmt.Errorf("%w: server.path %q", ErrInvalid, c.Server.Path)
	case c.WebSocket.ReadBufferSize < 0:
		return fmt.Errorf("%w: websocket.read_buffer_size %d", ErrInvalid, c.WebSocket.ReadBufferSize)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout %s", ErrInvalid, c.ShutdownTimeout)
	}
	if _, err := websocket.ParseBinaryType(c.WebSocket.BinaryType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// ServerOptions maps the configuration onto websocket.ServerOptions.
func (c Config) ServerOptions() websocket.ServerOptions {
	bt, _ := websocket.ParseBinaryType(c.WebSocket.BinaryType)
	opts := websocket.ServerOptions{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		Path:           c.Server.Path,
		MaxPayload:     c.WebSocket.MaxPayload,
		BinaryType:     bt,
		RequireMask:    c.WebSocket.RequireMask,
		ReadBufferSize: c.WebSocket.ReadBufferSize,
	}
	if c.WebSocket.SameOrigin {
		opts.CheckOrigin = websocket.CheckSameOrigin
	}
	return opts
}
