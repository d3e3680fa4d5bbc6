package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/neurobridge-genclient/internal/platform/envutil"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

const (
	TriggerPath = "/api/workflows/trigger"
	StreamPath  = "/api/workflows/stream"
	StatusPath  = "/api/workflows/status"

	defaultCheckpointKey = "default"
)

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got kind %d", value.Kind)
	}
	s := strings.TrimSpace(value.Value)
	if s == "" || s == "null" || s == "~" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Millisecond
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or an int milliseconds: %w", err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func defaultConfig() *Config {
	return &Config{
		Env:             "development",
		PollingInterval: Duration{Duration: workflow.DefaultPollingInterval},
		RequestTimeout:  Duration{Duration: 30 * time.Second},
		Checkpoint:      CheckpointConfig{Key: defaultCheckpointKey},
	}
}

// Load reads the YAML file at path (or GENCLIENT_CONFIG_PATH, or
// ./config/genclient.yaml when present), then applies GENCLIENT_* env
// overrides.
func Load(path string) (*Config, error) {
	return LoadWithBase(path, "")
}

// LoadWithBase is Load with baseURL taking precedence over the file and env.
func LoadWithBase(path, baseURL string) (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(path)
	if cfgPath == "" {
		cfgPath = envutil.String("GENCLIENT_CONFIG_PATH", "")
	}
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "genclient.yaml")
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
			}
		}
	}

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfgPath, err)
		}
	}

	applyEnv(cfg)
	if b := strings.TrimSpace(baseURL); b != "" {
		cfg.BaseURL = b
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.BaseURL = envutil.String("GENCLIENT_BASE_URL", cfg.BaseURL)
	cfg.TriggerURL = envutil.String("GENCLIENT_TRIGGER_URL", cfg.TriggerURL)
	cfg.StatusURL = envutil.String("GENCLIENT_STATUS_URL", cfg.StatusURL)
	cfg.PollingURL = envutil.String("GENCLIENT_POLLING_URL", cfg.PollingURL)
	cfg.PollingInterval.Duration = envutil.Duration("GENCLIENT_POLLING_INTERVAL", cfg.PollingInterval.Duration)
	cfg.ManualTrigger = envutil.Bool("GENCLIENT_MANUAL_TRIGGER", cfg.ManualTrigger)
	cfg.BearerToken = envutil.String("GENCLIENT_BEARER_TOKEN", cfg.BearerToken)
	cfg.RequestTimeout.Duration = envutil.Duration("GENCLIENT_REQUEST_TIMEOUT", cfg.RequestTimeout.Duration)
	cfg.Reconnect.Enabled = envutil.Bool("GENCLIENT_RECONNECT", cfg.Reconnect.Enabled)
	cfg.Checkpoint.DSN = envutil.String("GENCLIENT_CHECKPOINT_DSN", cfg.Checkpoint.DSN)
	cfg.Checkpoint.Key = envutil.String("GENCLIENT_CHECKPOINT_KEY", cfg.Checkpoint.Key)
	cfg.MetricsAddr = envutil.String("GENCLIENT_METRICS_ADDR", cfg.MetricsAddr)
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "development"
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.TriggerURL = strings.TrimSpace(c.TriggerURL)
	c.StatusURL = strings.TrimSpace(c.StatusURL)
	c.PollingURL = strings.TrimSpace(c.PollingURL)
	if c.BaseURL != "" {
		if c.TriggerURL == "" {
			c.TriggerURL = c.BaseURL + TriggerPath
		}
		if c.StatusURL == "" {
			c.StatusURL = c.BaseURL + StreamPath
		}
		if c.PollingURL == "" {
			c.PollingURL = c.BaseURL + StatusPath
		}
	}
	if c.PollingInterval.Duration <= 0 {
		c.PollingInterval.Duration = workflow.DefaultPollingInterval
	}
	if strings.TrimSpace(c.Checkpoint.Key) == "" {
		c.Checkpoint.Key = defaultCheckpointKey
	}
	if c.TriggerURL == "" || c.StatusURL == "" || c.PollingURL == "" {
		return errors.New("config must define base_url or all of trigger_url, status_url, polling_url")
	}
	return nil
}

// Workflow converts c into a workflow.Config. TriggerBody is passed through
// as-is and serialized by the runner.
func (c *Config) Workflow() workflow.Config {
	var body any
	if c.TriggerBody != nil {
		body = c.TriggerBody
	}
	return workflow.Config{
		TriggerURL:      c.TriggerURL,
		TriggerBody:     body,
		StatusURL:       c.StatusURL,
		PollingURL:      c.PollingURL,
		PollingInterval: c.PollingInterval.Duration,
		ManualTrigger:   c.ManualTrigger,
		Reconnect: workflow.ReconnectConfig{
			Enabled:     c.Reconnect.Enabled,
			MaxAttempts: c.Reconnect.MaxAttempts,
			BaseDelay:   c.Reconnect.BaseDelay.Duration,
			MaxDelay:    c.Reconnect.MaxDelay.Duration,
		},
	}
}

func (c *Config) RunnerOptions() workflow.HTTPRunnerOptions {
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	return workflow.HTTPRunnerOptions{
		TriggerURL:     c.TriggerURL,
		StatusURL:      c.StatusURL,
		PollingURL:     c.PollingURL,
		BearerToken:    c.BearerToken,
		Headers:        headers,
		RequestTimeout: c.RequestTimeout.Duration,
	}
}
