package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/MrWong99/telemetryplane/internal/clock"
	"github.com/MrWong99/telemetryplane/internal/config"
	"github.com/MrWong99/telemetryplane/internal/eventbus"
	"github.com/MrWong99/telemetryplane/internal/ingest"
	"github.com/MrWong99/telemetryplane/internal/liveaudio"
)

func newTestGateway(t *testing.T, cfg config.ServerConfig) *Gateway {
	t.Helper()
	bus := eventbus.New()
	engine := ingest.New(config.ScoringConfig{
		NegativeSentimentThreshold: -0.45,
		HighRiskThreshold:          0.72,
		AlertCooldownSeconds:       75,
		SupervisorKeywordTriggers:  []string{"supervisor"},
	}, bus, nil, clock.Real)
	audio, err := liveaudio.New(t.TempDir(), 60, 1<<20, clock.Real)
	if err != nil {
		t.Fatalf("liveaudio.New: %v", err)
	}
	return New(cfg, bus, engine, audio, nil, nil, clock.Real)
}

func TestHandleSnapshot_UnknownCallReturnsIdleDefault(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls/unknown-call/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "idle" || body["provider"] != "generic" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleSnapshot_ReflectsIngestedEvent(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	payload, _ := json.Marshal(map[string]any{"call_id": "c-1", "text": "hello", "sentiment": 0.5})
	resp, err := http.Post(srv.URL+"/ingest/events", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/calls/c-1/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] == "idle" {
		t.Errorf("expected a non-idle snapshot, got %v", body)
	}
}

func TestHandleIngestEvent_RejectsWithoutToken(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{IngestToken: "secret"})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	payload, _ := json.Marshal(map[string]any{"call_id": "c-1", "text": "hi"})
	resp, err := http.Post(srv.URL+"/ingest/events", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleIngestEvent_AcceptsWithToken(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{IngestToken: "secret"})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	payload, _ := json.Marshal(map[string]any{"call_id": "c-1", "text": "hi"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ingest/events", bytes.NewReader(payload))
	req.Header.Set("X-Cloud-Token", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleIngestAudioChunk_AppendsAndIngestsSyntheticEvent(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	pcm := make([]byte, 3200) // 0.1s of 16kHz mono S16LE
	body, _ := json.Marshal(map[string]any{
		"call_id":     "c-audio",
		"audio_b64":   base64.StdEncoding.EncodeToString(pcm),
		"sample_rate": 16000,
		"channels":    1,
	})
	resp, err := http.Post(srv.URL+"/ingest/audio-chunk", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	if decoded["ingested_events"].(float64) != 1 {
		t.Errorf("ingested_events = %v", decoded["ingested_events"])
	}
}

func TestHandleAlertAck_NotFoundForUnknownID(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/alerts/999/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleAlertAck_AcknowledgesRaisedAlert(t *testing.T) {
	g := newTestGateway(t, config.ServerConfig{})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	payload, _ := json.Marshal(map[string]any{
		"call_id": "c-risk", "text": "get me the supervisor", "sentiment": -0.9,
	})
	resp, err := http.Post(srv.URL+"/ingest/events", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST ingest: %v", err)
	}
	var ingestResp map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&ingestResp)
	resp.Body.Close()

	alerts, _ := ingestResp["alerts"].([]any)
	if len(alerts) == 0 {
		t.Fatal("expected at least one alert to be raised")
	}
	alert := alerts[0].(map[string]any)
	id := int64(alert["id"].(float64))

	ackResp, err := http.Post(srv.URL+"/alerts/"+strconv.FormatInt(id, 10)+"/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("POST ack: %v", err)
	}
	defer ackResp.Body.Close()
	if ackResp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", ackResp.StatusCode)
	}
	var ackBody map[string]any
	_ = json.NewDecoder(ackResp.Body).Decode(&ackBody)
	ackedAlert := ackBody["alert"].(map[string]any)
	if ackedAlert["acknowledged"] != true {
		t.Errorf("acknowledged = %v", ackedAlert["acknowledged"])
	}
}

