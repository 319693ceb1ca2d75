// Command gateway runs only the SSE gateway: the event bus, ingest engine,
// live-audio buffer, and the HTTP/SSE surface in front of them. It is meant
// to be deployed standalone, with the AudioHook listener and connector
// posting to its /ingest/events and /ingest/audio-chunk endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
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
			fmt.Fprintf(os.Stderr, "gateway: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(app.NewLogger(cfg.Server.LogLevel))
	slog.Info("gateway starting", "config", *configPath, "addr", cfg.Server.GatewayAddr, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithGateway())
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

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
