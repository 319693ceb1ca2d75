// Command telemetry-plane runs the gateway, AudioHook listener, and
// connector together in a single process. The AudioHook listener and
// connector are pointed at the gateway's own loopback address so the three
// subsystems exchange events in-process over localhost rather than
// requiring three separately deployed services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/telemetryplane/internal/app"
	"github.com/MrWong99/telemetryplane/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "telemetry-plane: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "telemetry-plane: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(app.NewLogger(cfg.Server.LogLevel))
	pointIngestURLsAtLoopbackGateway(cfg)

	slog.Info("telemetry-plane starting",
		"config", *configPath,
		"gateway_addr", cfg.Server.GatewayAddr,
		"audiohook_addr", fmt.Sprintf("%s:%d", cfg.AudioHook.Host, cfg.AudioHook.Port),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithGateway(), app.WithAudioHook(), app.WithConnector())
	if err != nil {
		slog.Error("failed to initialise telemetry-plane", "err", err)
		return 1
	}

	slog.Info("telemetry-plane ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// pointIngestURLsAtLoopbackGateway fills in the AudioHook listener's and
// connector's ingest URLs with the co-located gateway's own loopback
// address whenever the config left them blank, so a single combined
// process needs no inter-service configuration of its own.
func pointIngestURLsAtLoopbackGateway(cfg *config.Config) {
	_, port, err := net.SplitHostPort(cfg.Server.GatewayAddr)
	if err != nil || port == "" {
		slog.Warn("could not derive loopback gateway port, leaving ingest URLs as configured", "gateway_addr", cfg.Server.GatewayAddr)
		return
	}
	base := fmt.Sprintf("http://127.0.0.1:%s", port)

	if cfg.AudioHook.EventIngestURL == "" {
		cfg.AudioHook.EventIngestURL = base + "/ingest/events"
	}
	if cfg.AudioHook.AudioIngestURL == "" {
		cfg.AudioHook.AudioIngestURL = base + "/ingest/audio-chunk"
	}
	if cfg.Connector.EventIngestURL == "" {
		cfg.Connector.EventIngestURL = base + "/ingest/events"
	}
	if cfg.AudioHook.IngestToken == "" {
		cfg.AudioHook.IngestToken = cfg.Server.IngestToken
	}
	if cfg.Connector.IngestToken == "" {
		cfg.Connector.IngestToken = cfg.Server.IngestToken
	}
}
