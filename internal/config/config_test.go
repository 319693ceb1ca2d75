package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/config"
)

const sampleYAML = `
server:
  log_level: debug
  gateway_addr: ":9000"
  worker_concurrency: 16
  stale_after: 30s

audiohook:
  ingest_token: secret-token
  port: 9443
  audio_ingest_url: http://localhost:8090/ingest/audio
  event_ingest_url: http://localhost:8090/ingest/event

connector:
  client_id: client-abc
  client_secret: secret-xyz
  topic_builder_mode: queues_users
  queue_ids:
    - queue-1
    - queue-2

scoring:
  alert_cooldown_seconds: 30
  high_risk_threshold: 0.8
  supervisor_keyword_triggers:
    - lawsuit
    - escalate
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.GatewayAddr != ":9000" {
		t.Errorf("server.gateway_addr = %q, want :9000", cfg.Server.GatewayAddr)
	}
	if cfg.Server.WorkerConcurrency != 16 {
		t.Errorf("server.worker_concurrency = %d, want 16", cfg.Server.WorkerConcurrency)
	}
	if cfg.Server.StaleAfter != 30*time.Second {
		t.Errorf("server.stale_after = %v, want 30s", cfg.Server.StaleAfter)
	}
	if cfg.AudioHook.IngestToken != "secret-token" {
		t.Errorf("audiohook.ingest_token = %q", cfg.AudioHook.IngestToken)
	}
	if cfg.AudioHook.Port != 9443 {
		t.Errorf("audiohook.port = %d, want 9443", cfg.AudioHook.Port)
	}
	if cfg.Connector.ClientID != "client-abc" || cfg.Connector.ClientSecret != "secret-xyz" {
		t.Errorf("connector credentials not parsed: %+v", cfg.Connector)
	}
	if cfg.Connector.TopicBuilderMode != config.TopicBuilderQueuesUsers {
		t.Errorf("connector.topic_builder_mode = %q, want queues_users", cfg.Connector.TopicBuilderMode)
	}
	if len(cfg.Connector.QueueIDs) != 2 {
		t.Fatalf("connector.queue_ids = %v, want 2 entries", cfg.Connector.QueueIDs)
	}
	if cfg.Scoring.AlertCooldownSeconds != 30 {
		t.Errorf("scoring.alert_cooldown_seconds = %d, want 30", cfg.Scoring.AlertCooldownSeconds)
	}
	if cfg.Scoring.HighRiskThreshold != 0.8 {
		t.Errorf("scoring.high_risk_threshold = %v, want 0.8", cfg.Scoring.HighRiskThreshold)
	}
	if len(cfg.Scoring.SupervisorKeywordTriggers) != 2 {
		t.Errorf("scoring.supervisor_keyword_triggers = %v, want 2 entries", cfg.Scoring.SupervisorKeywordTriggers)
	}
	// Fields untouched by the YAML retain their defaults.
	if cfg.AudioHook.SampleRateDefault != 8000 {
		t.Errorf("audiohook.sample_rate_default = %d, want default 8000", cfg.AudioHook.SampleRateDefault)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("empty-overlay config should still validate via defaults: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	cases := []struct {
		lvl  config.LogLevel
		want bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"", true},
		{"trace", false},
	}
	for _, tc := range cases {
		if got := tc.lvl.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.lvl, got, tc.want)
		}
	}
}

func TestTopicBuilderMode_IsValid(t *testing.T) {
	cases := []struct {
		mode config.TopicBuilderMode
		want bool
	}{
		{config.TopicBuilderManual, true},
		{config.TopicBuilderOff, true},
		{config.TopicBuilderQueues, true},
		{config.TopicBuilderUsers, true},
		{config.TopicBuilderQueuesUsers, true},
		{config.TopicBuilderAll, true},
		{"", true},
		{"everything", false},
	}
	for _, tc := range cases {
		if got := tc.mode.IsValid(); got != tc.want {
			t.Errorf("TopicBuilderMode(%q).IsValid() = %v, want %v", tc.mode, got, tc.want)
		}
	}
}

func TestDefaults_MatchesDocumentedValues(t *testing.T) {
	cfg := config.Defaults()

	if cfg.Server.GatewayAddr != ":8090" {
		t.Errorf("gateway_addr default = %q", cfg.Server.GatewayAddr)
	}
	if cfg.AudioHook.Path != "/audiohook" {
		t.Errorf("audiohook.path default = %q", cfg.AudioHook.Path)
	}
	if cfg.AudioHook.WindowSeconds != 240 {
		t.Errorf("audiohook.window_seconds default = %d", cfg.AudioHook.WindowSeconds)
	}
	if cfg.Connector.TopicBuilderMode != config.TopicBuilderManual {
		t.Errorf("connector.topic_builder_mode default = %q", cfg.Connector.TopicBuilderMode)
	}
	if cfg.Scoring.NegativeSentimentThreshold != -0.45 {
		t.Errorf("scoring.negative_sentiment_threshold default = %v", cfg.Scoring.NegativeSentimentThreshold)
	}
	if len(cfg.Scoring.SupervisorKeywordTriggers) != 4 {
		t.Errorf("scoring.supervisor_keyword_triggers default = %v", cfg.Scoring.SupervisorKeywordTriggers)
	}
}
