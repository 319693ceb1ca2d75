package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/health"
	"github.com/MrWong99/telemetryplane/internal/statusstore"
)

// EventBusChecker reports the bus as alive whenever it exists; the bus has
// no external dependency that can fail short of the process itself being
// down, so this check exists mainly to surface subscriber counts.
func EventBusChecker(bus *eventbus.Bus) health.Checker {
	return health.Checker{
		Name: "event_bus",
		Check: func(ctx context.Context) error {
			if bus == nil {
				return fmt.Errorf("event bus not configured")
			}
			return nil
		},
	}
}

// LiveAudioDirChecker reports whether baseDir is writable, by creating and
// removing a marker file under it.
func LiveAudioDirChecker(baseDir string) health.Checker {
	return health.Checker{
		Name: "live_audio_dir",
		Check: func(ctx context.Context) error {
			probe := filepath.Join(baseDir, ".health-probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
				return fmt.Errorf("live audio dir not writable: %w", err)
			}
			return os.Remove(probe)
		},
	}
}

// StatusFileChecker reports whether the status file at path describes a
// running, non-stale component, per [statusstore.Healthy].
func StatusFileChecker(name, path string, staleAfter time.Duration, now func() time.Time) health.Checker {
	return health.Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			st, err := statusstore.Read(path)
			if err != nil {
				return err
			}
			if !statusstore.Healthy(st, now(), staleAfter) {
				return fmt.Errorf("component %q unhealthy: state=%q last_error=%q", st.Component, st.State, st.LastError)
			}
			return nil
		},
	}
}
