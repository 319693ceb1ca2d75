// Package statusstore persists per-component liveness as a JSON file,
// written atomically (temp file + rename) so health endpoints never observe
// a partially-written file. Each long-running component (AudioHook
// ingress, vendor connector) owns exactly one [Store].
package statusstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
)

// Status is the JSON document written to disk. Component field is one of
// "audiohook" or "connector"; State is a free-form lifecycle token such as
// "starting", "running", "subscribed", "reconnecting", "error", "stopped".
type Status struct {
	Component string         `json:"component"`
	State     string         `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
	StartedAt time.Time      `json:"started_at"`
	PID       int            `json:"pid"`
	LastError string            `json:"last_error"`
	Counters  map[string]int    `json:"counters,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// runningStates is the unified set of states that count as "alive" for
// health checks, for both the AudioHook ingress and the vendor connector.
var runningStates = map[string]bool{
	"running":      true,
	"subscribed":   true,
	"connecting":   true,
	"reconnecting": true,
	"starting":     true,
}

// Store manages the on-disk status file for one component. Safe for
// concurrent use.
type Store struct {
	path  string
	clock clock.Clock

	mu     sync.Mutex
	status Status
}

// New creates a Store for component, writing its status file under path.
// The returned Store's initial state is "initialized".
func New(path, component string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real
	}
	now := clk.Now()
	return &Store{
		path:  path,
		clock: clk,
		status: Status{
			Component: component,
			State:     "initialized",
			UpdatedAt: now,
			StartedAt: now,
			PID:       os.Getpid(),
			Counters:  map[string]int{},
			Fields:    map[string]string{},
		},
	}
}

// SetState updates the lifecycle state and persists the file.
func (s *Store) SetState(state string) error {
	s.mu.Lock()
	s.status.State = state
	s.status.UpdatedAt = s.clock.Now()
	s.mu.Unlock()
	return s.persist()
}

// SetError records the last error message (without changing state) and
// persists the file.
func (s *Store) SetError(err error) error {
	s.mu.Lock()
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.status.UpdatedAt = s.clock.Now()
	s.mu.Unlock()
	return s.persist()
}

// Increment bumps a named counter by amount and persists the file.
func (s *Store) Increment(key string, amount int) error {
	s.mu.Lock()
	s.status.Counters[key] += amount
	s.status.UpdatedAt = s.clock.Now()
	s.mu.Unlock()
	return s.persist()
}

// SetField records a named free-form string status value, such as a vendor
// channel id or websocket URI, and persists the file.
func (s *Store) SetField(key, value string) error {
	s.mu.Lock()
	s.status.Fields[key] = value
	s.status.UpdatedAt = s.clock.Now()
	s.mu.Unlock()
	return s.persist()
}

// Snapshot returns a copy of the current in-memory status (without
// touching disk).
func (s *Store) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.status
	cp.Counters = make(map[string]int, len(s.status.Counters))
	for k, v := range s.status.Counters {
		cp.Counters[k] = v
	}
	cp.Fields = make(map[string]string, len(s.status.Fields))
	for k, v := range s.status.Fields {
		cp.Fields[k] = v
	}
	return cp
}

// persist writes the current status to disk via write-temp-then-rename.
// Write failures are returned to the caller; callers on hot paths should
// log and continue rather than treat this as fatal, matching the original
// service's best-effort persistence.
func (s *Store) persist() error {
	s.mu.Lock()
	payload := s.status
	payload.Counters = make(map[string]int, len(s.status.Counters))
	for k, v := range s.status.Counters {
		payload.Counters[k] = v
	}
	payload.Fields = make(map[string]string, len(s.status.Fields))
	for k, v := range s.status.Fields {
		payload.Fields[k] = v
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("statusstore: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("statusstore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statusstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("statusstore: rename: %w", err)
	}
	return nil
}

// Read loads a [Status] from path. Returns an error if the file is missing
// or malformed; callers should treat this as "unhealthy", not fatal.
func Read(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, fmt.Errorf("statusstore: read: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("statusstore: unmarshal: %w", err)
	}
	return st, nil
}

// Healthy reports whether st is considered healthy at the given moment:
// its State is a running state, it is not in an error state, and it was
// updated within staleAfter of now.
func Healthy(st Status, now time.Time, staleAfter time.Duration) bool {
	if st.State == "error" {
		return false
	}
	if !runningStates[st.State] {
		return false
	}
	age := now.Sub(st.UpdatedAt)
	return age <= staleAfter
}
