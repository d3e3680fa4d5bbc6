package workflow

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPollingInterval = 2 * time.Second

	defaultReconnectAttempts = 5
	defaultReconnectBase     = 500 * time.Millisecond
	defaultReconnectMax      = 10 * time.Second
)

// Config describes one generation workflow. It is copied by Start and never
// mutated afterwards.
type Config struct {
	TriggerURL  string
	TriggerBody any
	StatusURL   string
	PollingURL  string

	// PollingInterval defaults to DefaultPollingInterval.
	PollingInterval time.Duration

	// ManualTrigger disables the automatic trigger on start and after Retry.
	ManualTrigger bool

	// Resume an in-flight run, e.g. after a process restart.
	InitialRunID          string
	InitialStatus         Status
	InitialCursor         int
	InitialCompletedSteps []string

	Reconnect ReconnectConfig
}

// ReconnectConfig controls whether a dropped status stream is reopened from
// the current cursor. Disabled by default; the polling backstop still
// guarantees a terminal state is observed.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = defaultReconnectBase
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = defaultReconnectMax
	}
	if c.InitialCursor < 0 {
		c.InitialCursor = 0
	}
	c.InitialRunID = strings.TrimSpace(c.InitialRunID)
	c.InitialCompletedSteps = append([]string(nil), c.InitialCompletedSteps...)
	return c
}

// Validate checks the parts of the config the HTTP runner needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TriggerURL) == "" {
		return fmt.Errorf("%w: trigger url required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.StatusURL) == "" {
		return fmt.Errorf("%w: status url required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.PollingURL) == "" {
		return fmt.Errorf("%w: polling url required", ErrInvalidConfig)
	}
	return c.validateInitial()
}

func (c Config) validateInitial() error {
	if c.InitialStatus != "" && !c.InitialStatus.Valid() {
		return fmt.Errorf("%w: unknown initial status %q", ErrInvalidConfig, c.InitialStatus)
	}
	if c.InitialStatus == StatusStreaming && strings.TrimSpace(c.InitialRunID) == "" {
		return fmt.Errorf("%w: initial status streaming requires a run id", ErrInvalidConfig)
	}
	return nil
}

// initialState seeds the reducer. A pre-supplied run id means the run is
// already in flight and the state starts in streaming unless told otherwise.
func (c Config) initialState() State {
	s := InitialState()
	if c.InitialRunID != "" {
		s.RunID = c.InitialRunID
		s.Status = StatusStreaming
	}
	if c.InitialStatus != "" {
		s.Status = c.InitialStatus
	}
	for _, step := range c.InitialCompletedSteps {
		if step != "" && !s.hasCompleted(step) {
			s.CompletedSteps = append(s.CompletedSteps, step)
		}
	}
	return s
}
