// Command connector runs only the vendor notification connector: it
// subscribes to the vendor's pub/sub topics and forwards normalized events
// to a gateway's /ingest/events endpoint over HTTP. It has no inbound HTTP
// surface of its own.
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
			fmt.Fprintf(os.Stderr, "connector: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(app.NewLogger(cfg.Server.LogLevel))
	slog.Info("connector starting", "config", *configPath, "client_id", cfg.Connector.ClientID, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithConnector())
	if err != nil {
		slog.Error("failed to initialise connector", "err", err)
		return 1
	}

	slog.Info("connector ready — press Ctrl+C to shut down")

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
