package app

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/config"
)

func TestNew_RequiresAtLeastOneOption(t *testing.T) {
	cfg := config.Defaults()
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error when no Option is given")
	}
}

// TestApp_FullLifecycle builds an App with every subsystem selected,
// confirms Run returns once its context is cancelled, and that Shutdown
// tears down cleanly. Only one test in this package may call New, since
// observe.InitProvider registers a Prometheus collector against the
// process-global default registerer and a second registration attempt
// would panic.
func TestApp_FullLifecycle(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.GatewayAddr = "127.0.0.1:0"
	cfg.Server.StatusDir = t.TempDir()
	cfg.Server.LiveAudioDir = t.TempDir()
	cfg.Server.AudioFallbackDir = t.TempDir()
	cfg.AudioHook.Host = "127.0.0.1"
	cfg.AudioHook.Port = 0
	cfg.AudioHook.WindowSeconds = 60
	cfg.AudioHook.MaxChunkBytes = 1 << 16
	cfg.Connector.ClientID = ""

	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, cfg, WithGateway(), WithAudioHook(), WithConnector())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.runners) != 3 {
		t.Fatalf("expected 3 runners, got %d", len(a.runners))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// Give the HTTP servers a moment to start listening before tearing down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned an error after cancellation: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// A second Shutdown call must be a no-op thanks to stopOnce.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown call returned an error: %v", err)
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	for _, lvl := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError, ""} {
		if logger := NewLogger(lvl); logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", lvl)
		}
	}
}
