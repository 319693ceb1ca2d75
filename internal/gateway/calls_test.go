package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/liveaudio"
)

func TestHandleAudioWAV_NotFoundWithoutLiveOrFallback(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls/missing/audio.wav")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleAudioWAV_ServesLiveBufferWhenAvailable(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	_, err := g.audio.AppendPCMChunk(liveaudio.AppendPCMChunkParams{
		CallID:      "c-live",
		PCM:         make([]byte, 3200),
		SampleRate:  16000,
		Channels:    1,
		SampleWidth: 2,
		ChunkID:     "1",
		OccurredAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendPCMChunk: %v", err)
	}

	resp, err := http.Get(srv.URL + "/calls/c-live/audio.wav")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Live-Audio") != "1" {
		t.Errorf("X-Live-Audio = %q, want 1", resp.Header.Get("X-Live-Audio"))
	}
	if resp.Header.Get("Content-Type") != "audio/wav" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestHandleAudioWAV_FallsBackToConfiguredDirectory(t *testing.T) {
	fallbackDir := t.TempDir()
	data := liveaudio.EncodeWAV(make([]byte, 320), 16000, 1, 2)
	if err := os.WriteFile(filepath.Join(fallbackDir, liveaudio.SafeCallID("c-archived")+".wav"), data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	g := newTestGateway(t, config.ServerConfig{AudioFallbackDir: fallbackDir})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls/c-archived/audio.wav?fallback=true")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Live-Audio") != "0" {
		t.Errorf("X-Live-Audio = %q, want 0", resp.Header.Get("X-Live-Audio"))
	}
}

func TestHandleAudioMeta_ReportsPreferredSource(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls/never-seen/audio/meta")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["preferred_source"] != "fallback" {
		t.Errorf("preferred_source = %v, want fallback (no live audio for a never-seen call)", body["preferred_source"])
	}
}

func TestLiveAudioDirChecker_FailsOnUnwritableDirectory(t *testing.T) {
	checker := LiveAudioDirChecker(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := checker.Check(context.Background()); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

