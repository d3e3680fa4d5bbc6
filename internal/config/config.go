package config

import "time"

// Duration accepts "2s" style strings or bare integers in milliseconds.
type Duration struct {
	Duration time.Duration
}

type ReconnectConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts uint64   `yaml:"max_attempts,omitempty"`
	BaseDelay   Duration `yaml:"base_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
}

type CheckpointConfig struct {
	// DSN selects the store: memory:, sqlite:<path>, postgres://..., redis://...
	DSN string   `yaml:"dsn,omitempty"`
	Key string   `yaml:"key,omitempty"`
	TTL Duration `yaml:"ttl,omitempty"`
}

type Config struct {
	Env string `yaml:"env"`

	// BaseURL fills in any endpoint left empty with the dev runner paths.
	BaseURL     string         `yaml:"base_url,omitempty"`
	TriggerURL  string         `yaml:"trigger_url,omitempty"`
	TriggerBody map[string]any `yaml:"trigger_body,omitempty"`
	StatusURL   string         `yaml:"status_url,omitempty"`
	PollingURL  string         `yaml:"polling_url,omitempty"`

	PollingInterval Duration `yaml:"polling_interval,omitempty"`
	ManualTrigger   bool     `yaml:"manual_trigger,omitempty"`

	BearerToken    string            `yaml:"bearer_token,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	RequestTimeout Duration          `yaml:"request_timeout,omitempty"`

	Reconnect  ReconnectConfig  `yaml:"reconnect,omitempty"`
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}
