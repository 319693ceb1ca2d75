package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays secret fields from
// the environment, and returns a validated [Config]. Defaults from
// [Defaults] are applied for any zero-valued field the file does not set.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	overlayEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults], without
// applying environment overlay or validation. Useful in tests where configs
// are constructed from string literals and env interaction is undesired.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// overlayEnv fills secret-bearing fields from the environment when the YAML
// file left them empty. These are the fields operators are expected to keep
// out of version control.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("INGEST_TOKEN"); v != "" && cfg.AudioHook.IngestToken == "" {
		cfg.AudioHook.IngestToken = v
	}
	if v := os.Getenv("GENESYS_CLIENT_ID"); v != "" && cfg.Connector.ClientID == "" {
		cfg.Connector.ClientID = v
	}
	if v := os.Getenv("GENESYS_CLIENT_SECRET"); v != "" && cfg.Connector.ClientSecret == "" {
		cfg.Connector.ClientSecret = v
	}
	if v := os.Getenv("INGEST_TOKEN"); v != "" && cfg.Connector.IngestToken == "" {
		cfg.Connector.IngestToken = v
	}
	if v := os.Getenv("INGEST_TOKEN"); v != "" && cfg.Server.IngestToken == "" {
		cfg.Server.IngestToken = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found; soft issues are
// logged as warnings by the caller, not returned here.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("server.worker_concurrency must be positive, got %d", cfg.Server.WorkerConcurrency))
	}

	if cfg.AudioHook.Path == "" {
		errs = append(errs, errors.New("audiohook.path is required"))
	}
	if cfg.AudioHook.MaxChunkBytes <= 0 {
		errs = append(errs, fmt.Errorf("audiohook.max_chunk_bytes must be positive, got %d", cfg.AudioHook.MaxChunkBytes))
	}
	if cfg.AudioHook.WindowSeconds < 30 {
		errs = append(errs, fmt.Errorf("audiohook.window_seconds must be >= 30, got %d", cfg.AudioHook.WindowSeconds))
	}
	if cfg.AudioHook.MinChunkDurationMS > cfg.AudioHook.MaxChunkDurationMS {
		errs = append(errs, fmt.Errorf("audiohook.min_chunk_duration_ms (%d) exceeds max_chunk_duration_ms (%d)",
			cfg.AudioHook.MinChunkDurationMS, cfg.AudioHook.MaxChunkDurationMS))
	}

	if !cfg.Connector.TopicBuilderMode.IsValid() {
		errs = append(errs, fmt.Errorf("connector.topic_builder_mode %q is invalid; valid values: manual, off, queues, users, queues_users, all", cfg.Connector.TopicBuilderMode))
	}
	if cfg.Connector.ClientID != "" && cfg.Connector.ClientSecret == "" {
		errs = append(errs, errors.New("connector.client_secret is required when connector.client_id is set"))
	}

	if cfg.Scoring.AlertCooldownSeconds <= 0 {
		errs = append(errs, fmt.Errorf("scoring.alert_cooldown_seconds must be positive, got %d", cfg.Scoring.AlertCooldownSeconds))
	}
	if cfg.Scoring.HighRiskThreshold < 0 || cfg.Scoring.HighRiskThreshold > 1 {
		errs = append(errs, fmt.Errorf("scoring.high_risk_threshold must be in [0,1], got %.2f", cfg.Scoring.HighRiskThreshold))
	}

	return errors.Join(errs...)
}
