// Package config provides the configuration schema, loader, and validation
// for the telemetry plane.
package config

import "time"

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether lvl is one of the recognised log levels.
func (lvl LogLevel) IsValid() bool {
	switch lvl {
	case "", LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TopicBuilderMode selects how the vendor connector assembles its
// subscription topic set.
type TopicBuilderMode string

const (
	TopicBuilderManual      TopicBuilderMode = "manual"
	TopicBuilderOff         TopicBuilderMode = "off"
	TopicBuilderQueues      TopicBuilderMode = "queues"
	TopicBuilderUsers       TopicBuilderMode = "users"
	TopicBuilderQueuesUsers TopicBuilderMode = "queues_users"
	TopicBuilderAll         TopicBuilderMode = "all"
)

// IsValid reports whether m is one of the recognised topic builder modes.
func (m TopicBuilderMode) IsValid() bool {
	switch m {
	case "", TopicBuilderManual, TopicBuilderOff, TopicBuilderQueues, TopicBuilderUsers, TopicBuilderQueuesUsers, TopicBuilderAll:
		return true
	}
	return false
}

// Config is the root configuration structure for the telemetry plane.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// secrets (client_id, client_secret, ingest_token) are expected to be
// supplied via environment variables and overlaid by [Load] after parsing.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AudioHook AudioHookConfig `yaml:"audiohook"`
	Connector ConnectorConfig `yaml:"connector"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds ambient process-level settings shared by every
// long-running component (logging, gateway bind address, status files).
type ServerConfig struct {
	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// GatewayAddr is the TCP address the SSE gateway (C8) listens on.
	GatewayAddr string `yaml:"gateway_addr"`

	// IngestToken is the token the gateway's /ingest/events and
	// /ingest/audio-chunk endpoints require, accepted either as X-Cloud-Token
	// or as an "Authorization: Bearer" header; empty disables auth. This is
	// the same token C6/C7 send (as X-Cloud-Token) when forwarding to those
	// endpoints.
	IngestToken string `yaml:"ingest_token"`

	// StatusDir holds per-component status JSON files written by C2.
	StatusDir string `yaml:"status_dir"`

	// LiveAudioDir holds per-call rolling PCM chunk files written by C4.
	LiveAudioDir string `yaml:"live_audio_dir"`

	// AudioFallbackDir, if set, is searched for "{call_id}.wav" when a
	// client requests audio.wav with fallback=true and no live audio is
	// buffered for that call.
	AudioFallbackDir string `yaml:"audio_fallback_dir"`

	// AudioDefaultSampleRate and AudioDefaultChannels seed /ingest/audio-chunk
	// requests that omit sample_rate/channels.
	AudioDefaultSampleRate int `yaml:"audio_default_sample_rate"`
	AudioDefaultChannels   int `yaml:"audio_default_channels"`

	// WorkerConcurrency bounds the ingest engine's worker pool size.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// StaleAfter is the maximum status-file age before a component is
	// considered unhealthy by the health endpoints.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AudioHookConfig configures the AudioHook ingress (C6).
type AudioHookConfig struct {
	// IngestToken is sent as the X-Cloud-Token header on requests forwarded
	// to the audio and event sinks; empty sends no token. Inbound AudioHook
	// connections and probes are not checked against it.
	IngestToken string `yaml:"ingest_token"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	AudioIngestURL string `yaml:"audio_ingest_url"`
	EventIngestURL string `yaml:"event_ingest_url"`

	SampleRateDefault int `yaml:"sample_rate_default"`
	ChannelsDefault   int `yaml:"channels_default"`
	MaxChunkBytes     int `yaml:"max_chunk_bytes"`
	WindowSeconds     int `yaml:"window_seconds"`

	FlushIntervalMS    int `yaml:"flush_interval_ms"`
	MinChunkDurationMS int `yaml:"min_chunk_duration_ms"`
	MaxChunkDurationMS int `yaml:"max_chunk_duration_ms"`

	HTTPTimeoutSeconds int  `yaml:"http_timeout_seconds"`
	RetryMaxAttempts   int  `yaml:"retry_max_attempts"`
	RetryBackoffSecs   int  `yaml:"retry_backoff_seconds"`
	VerifySSL          bool `yaml:"verify_ssl"`
}

// ConnectorConfig configures the vendor notification connector (C7).
type ConnectorConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	LoginBaseURL string `yaml:"login_base_url"`
	APIBaseURL   string `yaml:"api_base_url"`

	// EventIngestURL and IngestToken name the same event-ingest sink C6 posts
	// normalized events to. The connector reaches the scoring engine over
	// HTTP rather than an in-process call so it can be deployed standalone
	// against a remote gateway, matching how C6 is wired.
	EventIngestURL string `yaml:"event_ingest_url"`
	IngestToken    string `yaml:"ingest_token"`

	SubscriptionTopics []string `yaml:"subscription_topics"`
	QueueIDs           []string `yaml:"queue_ids"`
	UserIDs            []string `yaml:"user_ids"`

	TopicBuilderMode         TopicBuilderMode `yaml:"topic_builder_mode"`
	TopicBuilderQueueFilters []string         `yaml:"topic_builder_queue_filters"`
	TopicBuilderUserFilters  []string         `yaml:"topic_builder_user_filters"`
	TopicBuilderEmailDomain  string           `yaml:"topic_builder_email_domain"`
	MaxQueues                int              `yaml:"max_queues"`
	MaxUsers                 int              `yaml:"max_users"`
	RefreshSeconds           int              `yaml:"refresh_seconds"`

	HTTPTimeoutSeconds    int  `yaml:"http_timeout_seconds"`
	RetryMaxAttempts      int  `yaml:"retry_max_attempts"`
	RetryBackoffSecs      int  `yaml:"retry_backoff_seconds"`
	ReconnectDelaySeconds int  `yaml:"reconnect_delay_seconds"`
	VerifySSL             bool `yaml:"verify_ssl"`
}

// ScoringConfig configures the ingest engine's alert and risk-score rules (C5).
type ScoringConfig struct {
	NegativeSentimentThreshold float64  `yaml:"negative_sentiment_threshold"`
	HighRiskThreshold          float64  `yaml:"high_risk_threshold"`
	AlertCooldownSeconds       int      `yaml:"alert_cooldown_seconds"`
	SupervisorKeywordTriggers  []string `yaml:"supervisor_keyword_triggers"`
}

// ObserveConfig configures OpenTelemetry service identification.
type ObserveConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Defaults returns a [Config] populated with the same default values the
// original telemetry plane used, prior to YAML/env overlay.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:               LogInfo,
			GatewayAddr:            ":8090",
			StatusDir:              "./var/status",
			LiveAudioDir:           "./var/live-audio",
			AudioDefaultSampleRate: 8000,
			AudioDefaultChannels:   1,
			WorkerConcurrency:      8,
			StaleAfter:             90 * time.Second,
		},
		AudioHook: AudioHookConfig{
			Host:               "0.0.0.0",
			Port:               8443,
			Path:               "/audiohook",
			SampleRateDefault:  8000,
			ChannelsDefault:    1,
			MaxChunkBytes:      2_000_000,
			WindowSeconds:      240,
			FlushIntervalMS:    2000,
			MinChunkDurationMS: 500,
			MaxChunkDurationMS: 4000,
			HTTPTimeoutSeconds: 20,
			RetryMaxAttempts:   4,
			RetryBackoffSecs:   2,
			VerifySSL:          true,
		},
		Connector: ConnectorConfig{
			TopicBuilderMode:      TopicBuilderManual,
			MaxQueues:             200,
			MaxUsers:              500,
			RefreshSeconds:        300,
			HTTPTimeoutSeconds:    20,
			RetryMaxAttempts:      4,
			RetryBackoffSecs:      2,
			ReconnectDelaySeconds: 5,
			VerifySSL:             true,
		},
		Scoring: ScoringConfig{
			NegativeSentimentThreshold: -0.45,
			HighRiskThreshold:          0.72,
			AlertCooldownSeconds:       75,
			SupervisorKeywordTriggers:  []string{"supervisor", "manager", "lawyer", "legal"},
		},
		Observe: ObserveConfig{
			ServiceName: "telemetry-plane",
		},
	}
}
