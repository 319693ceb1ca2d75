// Package app wires the telemetry plane's subsystems — event bus, ingest
// engine, live-audio buffer, SSE gateway, AudioHook ingress, and vendor
// connector — into one or more running components, selected by the Option
// list passed to New.
//
// The App struct owns the full lifecycle: New creates and connects the
// requested subsystems, Run blocks until every owned component stops or the
// context is cancelled, and Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/telemetryplane/internal/audiohook"
	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/connector"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/gateway"
	"github.com/MrWong99/telemetryplane/internal/health"
	"github.com/MrWong99/telemetryplane/internal/ingest"
	"github.com/MrWong99/telemetryplane/internal/liveaudio"
	"github.com/MrWong99/telemetryplane/internal/observe"
	"github.com/MrWong99/telemetryplane/internal/statusstore"
)

// App owns the lifetime of whichever components were requested via Option.
// The zero value is not usable; use [New].
type App struct {
	cfg *config.Config

	gatewaySrv   *http.Server
	audiohookSrv *http.Server
	connector    *connector.Connector

	otelShutdown func(context.Context) error

	// runners are the blocking goroutine bodies started by Run, one per
	// owned component; each must return when ctx is cancelled.
	runners []func(ctx context.Context) error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option selects which components New builds.
type Option func(*selection)

type selection struct {
	gateway   bool
	audiohook bool
	connector bool
}

// WithGateway requests the SSE gateway (event bus, ingest engine,
// live-audio buffer, HTTP/SSE surface).
func WithGateway() Option { return func(s *selection) { s.gateway = true } }

// WithAudioHook requests the AudioHook websocket ingress.
func WithAudioHook() Option { return func(s *selection) { s.audiohook = true } }

// WithConnector requests the vendor notification connector.
func WithConnector() Option { return func(s *selection) { s.connector = true } }

// New builds an App containing the components named by opts. cmd/gateway,
// cmd/audiohook-listener, and cmd/connector each pass exactly one Option;
// cmd/telemetry-plane passes all three to run everything in one process.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var sel selection
	for _, o := range opts {
		o(&sel)
	}
	if !sel.gateway && !sel.audiohook && !sel.connector {
		return nil, errors.New("app: at least one of WithGateway, WithAudioHook, WithConnector is required")
	}

	a := &App{cfg: cfg}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: cfg.Observe.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init observability provider: %w", err)
	}
	a.otelShutdown = shutdown

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	clk := clock.Real

	if sel.gateway {
		if err := a.initGateway(cfg, metrics, clk); err != nil {
			return nil, fmt.Errorf("app: init gateway: %w", err)
		}
	}
	if sel.audiohook {
		if err := a.initAudioHook(cfg, metrics, clk); err != nil {
			return nil, fmt.Errorf("app: init audiohook: %w", err)
		}
	}
	if sel.connector {
		if err := a.initConnector(cfg, metrics, clk); err != nil {
			return nil, fmt.Errorf("app: init connector: %w", err)
		}
	}

	return a, nil
}

// initGateway wires the event bus, ingest engine, and live-audio buffer and
// starts the gateway's HTTP server as a runner.
func (a *App) initGateway(cfg *config.Config, metrics *observe.Metrics, clk clock.Clock) error {
	bus := eventbus.New()
	engine := ingest.New(cfg.Scoring, bus, metrics, clk)

	audioBuf, err := liveaudio.New(cfg.Server.LiveAudioDir, cfg.AudioHook.WindowSeconds, cfg.AudioHook.MaxChunkBytes, clk)
	if err != nil {
		return fmt.Errorf("create live-audio buffer: %w", err)
	}

	checkers := []health.Checker{gateway.EventBusChecker(bus), gateway.LiveAudioDirChecker(cfg.Server.LiveAudioDir)}
	if cfg.AudioHook.Host != "" {
		checkers = append(checkers, gateway.StatusFileChecker("audiohook", filepath.Join(cfg.Server.StatusDir, "audiohook.json"), cfg.Server.StaleAfter, clk.Now))
	}
	if cfg.Connector.ClientID != "" {
		checkers = append(checkers, gateway.StatusFileChecker("connector", filepath.Join(cfg.Server.StatusDir, "connector.json"), cfg.Server.StaleAfter, clk.Now))
	}
	healthHandler := health.New(checkers...)

	gw := gateway.New(cfg.Server, bus, engine, audioBuf, metrics, healthHandler, clk)

	srv := &http.Server{
		Addr:              cfg.Server.GatewayAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.gatewaySrv = srv

	a.runners = append(a.runners, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway server: %w", err)
			}
			return nil
		}
	})
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("gateway initialised", "addr", cfg.Server.GatewayAddr)
	return nil
}

// initAudioHook wires the AudioHook websocket ingress and starts its HTTP
// server as a runner.
func (a *App) initAudioHook(cfg *config.Config, metrics *observe.Metrics, clk clock.Clock) error {
	if err := os.MkdirAll(cfg.Server.StatusDir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	status := statusstore.New(filepath.Join(cfg.Server.StatusDir, "audiohook.json"), "audiohook", clk)
	if err := status.SetState("starting"); err != nil {
		slog.Warn("audiohook: failed to persist initial status", "err", err)
	}

	srv := audiohook.NewServer(cfg.AudioHook, status, metrics, clk)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.AudioHook.Host, cfg.AudioHook.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.audiohookSrv = httpSrv

	a.runners = append(a.runners, func(ctx context.Context) error {
		_ = status.SetState("running")
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			_ = status.SetState("stopped")
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = status.SetError(err)
				return fmt.Errorf("audiohook server: %w", err)
			}
			return nil
		}
	})
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	slog.Info("audiohook initialised", "host", cfg.AudioHook.Host, "port", cfg.AudioHook.Port, "path", cfg.AudioHook.Path)
	return nil
}

// initConnector wires the vendor notification connector, which has no
// inbound HTTP surface of its own; it runs entirely as a background loop.
func (a *App) initConnector(cfg *config.Config, metrics *observe.Metrics, clk clock.Clock) error {
	if err := os.MkdirAll(cfg.Server.StatusDir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	status := statusstore.New(filepath.Join(cfg.Server.StatusDir, "connector.json"), "connector", clk)
	if err := status.SetState("starting"); err != nil {
		slog.Warn("connector: failed to persist initial status", "err", err)
	}

	conn := connector.New(cfg.Connector, status, metrics, clk)
	a.connector = conn

	a.runners = append(a.runners, func(ctx context.Context) error {
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("connector: %w", err)
		}
		return nil
	})

	slog.Info("connector initialised")
	return nil
}

// Run blocks until every owned component's runner returns (normally because
// ctx was cancelled), aggregating any runner errors encountered along the way.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(a.runners))
	for i, run := range a.runners {
		wg.Add(1)
		go func(i int, run func(context.Context) error) {
			defer wg.Done()
			errs[i] = run(ctx)
		}(i, run)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// NewLogger builds the default text-handler slog.Logger used by every
// cmd/* entrypoint, at the verbosity named by level.
func NewLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Shutdown tears down all owned components in reverse-init order, respecting
// ctx's deadline. It also flushes the OpenTelemetry providers.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				slog.Warn("otel shutdown error", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
