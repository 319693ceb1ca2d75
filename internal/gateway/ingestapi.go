package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/telemetryplane/internal/liveaudio"
)

// isIngestAuthorized reports whether r carries the configured ingest
// token, either as X-Cloud-Token or as an "Authorization: Bearer <token>"
// header. An empty configured token disables auth entirely, matching
// _is_realtime_ingest_authorized.
func (g *Gateway) isIngestAuthorized(r *http.Request) bool {
	expected := strings.TrimSpace(g.cfg.IngestToken)
	if expected == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Cloud-Token")) == expected {
		return true
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		if strings.TrimSpace(auth[7:]) == expected {
			return true
		}
	}
	return false
}

// handleIngestEvent serves POST /ingest/events, the HTTP sink C6 and C7
// forward normalized events to.
func (g *Gateway) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if !g.isIngestAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Unauthorized ingest token"})
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid JSON body"})
		return
	}

	if err := g.ingestSem.Acquire(r.Context(), 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "ingest worker pool unavailable"})
		return
	}
	result, err := g.engine.Ingest(r.Context(), raw)
	g.ingestSem.Release(1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"call_id":         result.CallID,
		"risk_score":      result.RiskScore,
		"sentiment_score": result.SentimentScore,
		"alerts":          result.Alerts,
		"snapshot":        result.Snapshot,
	})
}

// handleIngestAudioChunk serves POST /ingest/audio-chunk, the HTTP sink C6
// forwards decoded PCM chunks to. The request body carries base64-encoded
// audio plus optional transcript segments; the chunk is appended to the
// live-audio buffer and every transcript segment (or a single synthetic
// audio_chunk event when none is present) is run through the same ingest
// path as /ingest/events.
func (g *Gateway) handleIngestAudioChunk(w http.ResponseWriter, r *http.Request) {
	if !g.isIngestAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Unauthorized ingest token"})
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid JSON body"})
		return
	}

	callID := firstNonEmptyField(payload, "call_id", "conversation_id", "session_id")
	if callID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Missing call_id"})
		return
	}

	chunk, decodeErr := decodeAudioChunk(payload, g.cfg.AudioDefaultSampleRate, g.cfg.AudioDefaultChannels)
	if decodeErr != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": decodeErr})
		return
	}

	state, err := g.audio.AppendPCMChunk(liveaudio.AppendPCMChunkParams{
		CallID:      callID,
		PCM:         chunk.pcm,
		SampleRate:  chunk.sampleRate,
		Channels:    chunk.channels,
		SampleWidth: chunk.sampleWidth,
		ChunkID:     chunk.chunkID,
		OccurredAt:  parseOccurredAt(chunk.occurredAt, g.clock.Now()),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	eventPayloads := buildAudioEventPayloads(payload, callID, state)

	var warnings []string
	var ingestedCount int
	alertsByID := map[int64]any{}
	var latestSnapshot any
	for _, ev := range eventPayloads {
		if err := g.ingestSem.Acquire(r.Context(), 1); err != nil {
			warnings = append(warnings, "ingest worker pool unavailable")
			break
		}
		result, err := g.engine.Ingest(r.Context(), ev)
		g.ingestSem.Release(1)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		ingestedCount++
		latestSnapshot = result.Snapshot
		for _, a := range result.Alerts {
			alertsByID[a.ID] = a
		}
	}

	if ingestedCount == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail":   "No realtime events were ingested from audio payload",
			"audio":    state,
			"warnings": warnings,
		})
		return
	}

	alerts := make([]any, 0, len(alertsByID))
	for _, a := range alertsByID {
		alerts = append(alerts, a)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"call_id":         callID,
		"audio":           state,
		"ingested_events": ingestedCount,
		"alerts":          alerts,
		"snapshot":        latestSnapshot,
		"warnings":        warnings,
	})
}

func firstNonEmptyField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok {
			if v := strings.TrimSpace(s); v != "" {
				return v
			}
		}
	}
	return ""
}

type decodedChunk struct {
	pcm         []byte
	sampleRate  int
	channels    int
	sampleWidth int
	chunkID     string
	occurredAt  string
}

// decodeAudioChunk mirrors _decode_realtime_audio_chunk: it base64-decodes
// the chunk, then either trusts it as raw PCM S16LE or unwraps a WAV
// container, falling back to the configured defaults for sample rate and
// channel count.
func decodeAudioChunk(payload map[string]any, defaultSampleRate, defaultChannels int) (decodedChunk, string) {
	chunkB64 := firstNonEmptyField(payload, "audio_b64", "chunk_b64", "audio_chunk_b64", "audio_chunk")
	if chunkB64 == "" {
		return decodedChunk{}, "Missing audio chunk base64 (audio_b64)"
	}
	raw, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		return decodedChunk{}, "Invalid base64 audio payload"
	}
	if len(raw) == 0 {
		return decodedChunk{}, "Empty decoded audio payload"
	}

	encoding := strings.ToLower(strings.TrimSpace(firstNonEmptyField(payload, "audio_encoding", "encoding")))
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	sampleRate := intField(payload, "sample_rate", defaultSampleRate)
	channels := intField(payload, "channels", defaultChannels)
	sampleWidth := 2
	pcm := raw

	switch encoding {
	case "wav", "wave", "audio/wav", "audio/x-wav":
		decoded, rate, ch, width, err := liveaudio.DecodeWAV(raw)
		if err != nil {
			return decodedChunk{}, "Unable to parse WAV audio chunk"
		}
		if width != 2 {
			return decodedChunk{}, "WAV chunk must use 16-bit PCM (sample_width=2)"
		}
		pcm, sampleRate, channels, sampleWidth = decoded, rate, ch, width
	case "pcm_s16le", "pcm16", "s16le", "linear16", "l16":
		// raw bytes already decoded above.
	default:
		return decodedChunk{}, fmt.Sprintf("Unsupported audio_encoding: %s", encoding)
	}

	if sampleRate <= 0 {
		return decodedChunk{}, "Invalid sample_rate"
	}
	if channels <= 0 {
		return decodedChunk{}, "Invalid channels"
	}

	return decodedChunk{
		pcm:         pcm,
		sampleRate:  sampleRate,
		channels:    channels,
		sampleWidth: sampleWidth,
		chunkID:     firstNonEmptyField(payload, "chunk_id", "sequence_id"),
		occurredAt:  firstNonEmptyField(payload, "timestamp", "occurred_at"),
	}, ""
}

// parseOccurredAt parses an RFC3339 timestamp, falling back to now for an
// empty or unparseable value, matching _parse_realtime_datetime's leniency.
func parseOccurredAt(v string, now time.Time) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return now
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return now
}

func intField(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

// buildAudioEventPayloads mirrors _build_realtime_events_from_audio_payload:
// prefer per-segment transcript entries, then a single top-level text
// field, and finally a synthetic audio_chunk event so the live-audio state
// still reaches subscribers even when no transcript text arrived yet.
func buildAudioEventPayloads(payload map[string]any, callID string, liveAudio any) []map[string]any {
	provider := orDefault(firstNonEmptyField(payload, "provider"), "generic")
	status := strings.ToLower(orDefault(firstNonEmptyField(payload, "status"), "active"))
	agentID := firstNonEmptyField(payload, "agent_id")
	customerID := firstNonEmptyField(payload, "customer_id")
	fallbackSpeaker := strings.ToLower(firstNonEmptyField(payload, "speaker"))
	fallbackOccurredAt := firstNonEmptyField(payload, "timestamp", "occurred_at")

	baseMetadata := map[string]any{}
	if m, ok := payload["metadata"].(map[string]any); ok {
		for k, v := range m {
			baseMetadata[k] = v
		}
	}
	baseMetadata["audio"] = liveAudio

	segments, _ := payload["transcript_segments"].([]any)
	if segments == nil {
		segments, _ = payload["segments"].([]any)
	}

	var events []map[string]any
	for i, raw := range segments {
		if i >= 50 {
			break
		}
		segment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := strings.TrimSpace(firstNonEmptyField(segment, "text", "transcript"))
		if text == "" {
			continue
		}
		metadata := map[string]any{}
		for k, v := range baseMetadata {
			metadata[k] = v
		}
		if segMeta, ok := segment["metadata"].(map[string]any); ok {
			for k, v := range segMeta {
				metadata[k] = v
			}
		}
		events = append(events, map[string]any{
			"provider":    provider,
			"call_id":     callID,
			"event_type":  orDefault(strings.ToLower(firstNonEmptyField(segment, "event_type")), "transcript"),
			"speaker":     orDefault(strings.ToLower(firstNonEmptyField(segment, "speaker")), fallbackSpeaker),
			"text":        text,
			"sentiment":   segment["sentiment"],
			"confidence":  segment["confidence"],
			"status":      orDefault(strings.ToLower(firstNonEmptyField(segment, "status")), status),
			"occurred_at": orDefault(firstNonEmptyField(segment, "timestamp", "occurred_at"), fallbackOccurredAt),
			"agent_id":    orDefault(firstNonEmptyField(segment, "agent_id"), agentID),
			"customer_id": orDefault(firstNonEmptyField(segment, "customer_id"), customerID),
			"metadata":    metadata,
		})
	}
	if len(events) > 0 {
		return events
	}

	if text := strings.TrimSpace(firstNonEmptyField(payload, "text", "transcript")); text != "" {
		return []map[string]any{{
			"provider":    provider,
			"call_id":     callID,
			"event_type":  "transcript",
			"speaker":     fallbackSpeaker,
			"text":        text,
			"sentiment":   payload["sentiment"],
			"confidence":  payload["confidence"],
			"status":      status,
			"occurred_at": fallbackOccurredAt,
			"agent_id":    agentID,
			"customer_id": customerID,
			"metadata":    baseMetadata,
		}}
	}

	return []map[string]any{{
		"provider":    provider,
		"call_id":     callID,
		"event_type":  "audio_chunk",
		"speaker":     fallbackSpeaker,
		"text":        "",
		"sentiment":   payload["sentiment"],
		"confidence":  payload["confidence"],
		"status":      status,
		"occurred_at": fallbackOccurredAt,
		"agent_id":    agentID,
		"customer_id": customerID,
		"metadata":    baseMetadata,
	}}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
