package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MrWong99/telemetryplane/internal/liveaudio"
)

// handleSnapshot serves GET /calls/{id}/snapshot. A call the engine has
// never seen gets the idle-default shape instead of a 404, matching the
// dashboard's behavior for a call_id with no RealtimeCall row yet.
func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	liveAudio := g.audio.GetState(callID)

	snap, ok := g.engine.Snapshot(callID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"call_id":         callID,
			"provider":        "generic",
			"status":          "idle",
			"risk_score":      0.0,
			"sentiment_score": 0.0,
			"events":          []any{},
			"alerts":          []any{},
			"live_audio":      liveAudio,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":         snap.CallID,
		"provider":        snap.Provider,
		"status":          snap.Status,
		"risk_score":      snap.RiskScore,
		"sentiment_score": snap.SentimentScore,
		"updated_at":      snap.UpdatedAt,
		"events":          snap.Events,
		"alerts":          snap.Alerts,
		"live_audio":      liveAudio,
	})
}

// handleAudioWAV serves GET /calls/{id}/audio.wav?max_seconds=…&fallback=…
// It prefers the live rolling buffer; with fallback=true and no live audio
// it serves "{call_id}.wav" from the configured fallback directory, the Go
// stand-in for the original's database-backed uploaded-call-recording path
// (there is no call-recording database in this system; see DESIGN.md).
func (g *Gateway) handleAudioWAV(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	maxSeconds, _ := strconv.Atoi(r.URL.Query().Get("max_seconds"))

	wavBytes, err := g.audio.GetWAVBytes(callID, maxSeconds)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wavBytes != nil {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s_live.wav"`, callID))
		w.Header().Set("X-Live-Audio", "1")
		w.Write(wavBytes)
		return
	}

	if parseBool(r.URL.Query().Get("fallback")) {
		if path, ok := g.fallbackAudioPath(callID); ok {
			data, err := os.ReadFile(path)
			if err == nil {
				w.Header().Set("Content-Type", "audio/wav")
				w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
				w.Header().Set("Pragma", "no-cache")
				w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, filepath.Base(path)))
				w.Header().Set("X-Live-Audio", "0")
				w.Write(data)
				return
			}
		}
	}

	http.Error(w, "live audio not found", http.StatusNotFound)
}

// handleAudioMeta serves GET /calls/{id}/audio/meta.
func (g *Gateway) handleAudioMeta(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	state := g.audio.GetState(callID)
	_, fallbackAvailable := g.fallbackAudioPath(callID)

	preferred := "fallback"
	if state.Available {
		preferred = "live"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":                  callID,
		"live_audio":               state,
		"fallback_audio_available": fallbackAvailable,
		"preferred_source":         preferred,
	})
}

func (g *Gateway) fallbackAudioPath(callID string) (string, bool) {
	if g.cfg.AudioFallbackDir == "" {
		return "", false
	}
	path := filepath.Join(g.cfg.AudioFallbackDir, liveaudio.SafeCallID(callID)+".wav")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// parseBool matches the original's "1"/"true"/"yes"/"on" truthy set.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
