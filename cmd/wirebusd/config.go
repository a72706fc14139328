package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the daemon configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"WIREBUS_ADDR" envDefault:":3002"`

	// Bus tuning
	HeartbeatInterval time.Duration `env:"WIREBUS_HEARTBEAT_INTERVAL" envDefault:"5s"`
	RPCTimeout        time.Duration `env:"WIREBUS_RPC_TIMEOUT" envDefault:"10s"`
	MaxConnections    int           `env:"WIREBUS_MAX_CONNECTIONS" envDefault:"4096"`
	SendBuffer        int           `env:"WIREBUS_SEND_BUFFER" envDefault:"256"`
	MaxUpdateBytes    int           `env:"WIREBUS_MAX_UPDATE_BYTES" envDefault:"1048576"`

	// Inbound frame rate limiting, per connection
	FrameBurst int     `env:"WIREBUS_FRAME_BURST" envDefault:"100"`
	FrameRate  float64 `env:"WIREBUS_FRAME_RATE" envDefault:"50"`

	// Demo shared object refresh cadence
	StatsInterval time.Duration `env:"WIREBUS_STATS_INTERVAL" envDefault:"2s"`

	// NATS ingest. Empty URL disables the bridge. Routes are
	// comma-separated subject:endpoint pairs, e.g.
	// "md.events.>:events,md.jobs:jobs".
	NATSURL    string `env:"WIREBUS_NATS_URL" envDefault:""`
	NATSRoutes string `env:"WIREBUS_NATS_ROUTES" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func LoadConfig() (*Config, error) {
	// .env is a development convenience; production supplies real
	// environment variables.
	godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WIREBUS_ADDR must not be empty")
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("WIREBUS_HEARTBEAT_INTERVAL must be at least 1s, got %s", c.HeartbeatInterval)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("WIREBUS_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.NATSRoutes != "" && c.NATSURL == "" {
		return fmt.Errorf("WIREBUS_NATS_ROUTES set but WIREBUS_NATS_URL empty")
	}
	if _, err := c.Routes(); err != nil {
		return err
	}
	return nil
}

// Routes parses the NATS route list into subject -> endpoint.
func (c *Config) Routes() (map[string]string, error) {
	routes := make(map[string]string)
	if c.NATSRoutes == "" {
		return routes, nil
	}
	for _, pair := range strings.Split(c.NATSRoutes, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		subject, endpoint, ok := strings.Cut(pair, ":")
		if !ok || subject == "" || endpoint == "" {
			return nil, fmt.Errorf("WIREBUS_NATS_ROUTES entry %q is not subject:endpoint", pair)
		}
		routes[subject] = endpoint
	}
	return routes, nil
}

// LogConfig dumps the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("rpc_timeout", c.RPCTimeout).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Int("max_update_bytes", c.MaxUpdateBytes).
		Int("frame_burst", c.FrameBurst).
		Float64("frame_rate", c.FrameRate).
		Str("nats_url", c.NATSURL).
		Str("nats_routes", c.NATSRoutes).
		Str("log_level", c.LogLevel).
		Str("environment", c.Environment).
		Msg("Configuration loaded")
}
