package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/ingest"
	"github.com/MrWong99/telemetryplane/internal/liveaudio"
)

// readSSELine reads lines off r until it finds one with the given prefix,
// or the deadline elapses.
func readSSELine(t *testing.T, r *bufio.Reader, prefix string, deadline time.Duration) string {
	t.Helper()
	result := make(chan string, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				result <- ""
				return
			}
			if strings.HasPrefix(line, prefix) {
				result <- line
				return
			}
		}
	}()
	select {
	case line := <-result:
		return line
	case <-time.After(deadline):
		t.Fatalf("timed out waiting for line with prefix %q", prefix)
		return ""
	}
}

func TestHandleStream_SendsConnectedEventThenForwardsPublished(t *testing.T) {
	bus := eventbus.New()
	engine := ingest.New(config.ScoringConfig{AlertCooldownSeconds: 75}, bus, nil, clock.Real)
	audio, err := liveaudio.New(t.TempDir(), 60, 1<<20, clock.Real)
	if err != nil {
		t.Fatalf("liveaudio.New: %v", err)
	}
	g := New(config.ServerConfig{}, bus, engine, audio, nil, nil, clock.Real)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line := readSSELine(t, reader, "data: ", 2*time.Second)
	var connected map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &connected); err != nil {
		t.Fatalf("decode connected event: %v (line=%q)", err, line)
	}
	if connected["type"] != "connected" {
		t.Errorf("first event type = %v", connected["type"])
	}

	if err := bus.Publish(map[string]any{"type": "transcript_event", "call_id": "c-stream"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	line = readSSELine(t, reader, "data: ", 2*time.Second)
	var forwarded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &forwarded); err != nil {
		t.Fatalf("decode forwarded event: %v (line=%q)", err, line)
	}
	if forwarded["call_id"] != "c-stream" {
		t.Errorf("forwarded call_id = %v", forwarded["call_id"])
	}
}

func TestHandleStream_FiltersByCallID(t *testing.T) {
	bus := eventbus.New()
	engine := ingest.New(config.ScoringConfig{AlertCooldownSeconds: 75}, bus, nil, clock.Real)
	audio, err := liveaudio.New(t.TempDir(), 60, 1<<20, clock.Real)
	if err != nil {
		t.Fatalf("liveaudio.New: %v", err)
	}
	g := New(config.ServerConfig{}, bus, engine, audio, nil, nil, clock.Real)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stream?call_id=c-keep")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	reader := bufio.NewReader(resp.Body)
	readSSELine(t, reader, "data: ", 2*time.Second) // connected event

	if err := bus.Publish(map[string]any{"type": "transcript_event", "call_id": "c-drop"}); err != nil {
		t.Fatalf("Publish drop: %v", err)
	}
	if err := bus.Publish(map[string]any{"type": "transcript_event", "call_id": "c-keep"}); err != nil {
		t.Fatalf("Publish keep: %v", err)
	}

	line := readSSELine(t, reader, "data: ", 2*time.Second)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["call_id"] != "c-keep" {
		t.Fatalf("expected the filtered subscriber to only see c-keep, got %v", decoded["call_id"])
	}
}

