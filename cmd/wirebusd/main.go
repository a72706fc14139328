// wirebusd is the demo bus daemon: it serves a descriptor with one
// replicated server-stats object, an echo RPC, and message endpoints
// that can be fed from NATS, and exposes the operational surface
// (/ws, /healthz, /metrics) the way production deployments expect.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/internal/monitoring"
	"github.com/adred-codev/wirebus/natsbridge"
	"github.com/adred-codev/wirebus/server"
	"github.com/adred-codev/wirebus/state"
)

var statsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"connections":   {"type": "number"},
		"uptimeSeconds": {"type": "number"},
		"updatedAt":     {"type": "string", "format": "date-time"}
	},
	"required": ["connections", "uptimeSeconds", "updatedAt"]
}`)

func descriptor() *wirebus.Descriptor {
	return wirebus.MustDescriptor(
		wirebus.Endpoint{
			Name:   "serverStats",
			Kind:   wirebus.KindSharedObject,
			Object: statsSchema,
		},
		wirebus.Endpoint{
			Name: "echo",
			Kind: wirebus.KindRPC,
		},
		wirebus.Endpoint{
			Name:    "events",
			Kind:    wirebus.KindPubSub,
			Message: json.RawMessage(`{"type":"object"}`),
		},
		wirebus.Endpoint{
			Name: "jobs",
			Kind: wirebus.KindPushPull,
		},
	)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		// Logger does not exist yet; this is the one bare print.
		os.Stderr.WriteString("wirebusd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "wirebusd",
	})
	cfg.LogConfig(logger)

	desc := descriptor()
	srv, err := server.New(desc, server.Options{
		Logger:            &logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RPCTimeout:        cfg.RPCTimeout,
		MaxConnections:    cfg.MaxConnections,
		SendBuffer:        cfg.SendBuffer,
		MaxUpdateBytes:    cfg.MaxUpdateBytes,
		FrameBurst:        cfg.FrameBurst,
		FrameRate:         cfg.FrameRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build bus server")
	}

	if err := srv.HandleFunc("echo", func(_ context.Context, input json.RawMessage) (any, error) {
		var v any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register echo handler")
	}

	started := time.Now()
	stats, err := srv.SetShared("serverStats", map[string]any{
		"connections":   0,
		"uptimeSeconds": 0,
		"updatedAt":     started.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed serverStats")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The stats loop doubles as a liveness demo: every tick mutates the
	// shared object and the replication engine turns it into one delta
	// broadcast.
	go func() {
		ticker := time.NewTicker(cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				err := stats.Update(func(root *state.Node) error {
					if err := root.Set("connections", srv.ConnectionCount()); err != nil {
						return err
					}
					if err := root.Set("uptimeSeconds", int64(now.Sub(started).Seconds())); err != nil {
						return err
					}
					return root.Set("updatedAt", now.UTC())
				})
				if err != nil {
					logger.Error().Err(err).Msg("Stats update failed")
				}
			}
		}
	}()

	var bridge *natsbridge.Bridge
	if cfg.NATSURL != "" {
		routes, _ := cfg.Routes()
		if len(routes) == 0 {
			routes = map[string]string{"wirebus.events.>": "events"}
		}
		bridge, err = natsbridge.New(natsbridge.Config{
			URL:    cfg.NATSURL,
			Routes: routes,
			Logger: &logger,
		}, desc, srv)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS bridge")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	mux.Handle("/healthz", healthHandler(srv, started))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if bridge != nil {
		bridge.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Bus shutdown incomplete")
	}
	logger.Info().Msg("Shutdown complete")
}
