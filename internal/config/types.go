package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Demo       DemoConfig       `json:"demo"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job queue.
//
// Defaults (when fields are omitted/zero):
//   - pool_size: 10
//   - trigger: "@every 1m" (serve mode only)
//   - timezone: local
type SchedulerConfig struct {
	PoolSize int    `json:"pool_size"`
	Trigger  string `json:"trigger,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DispatcherConfig controls retries of failed jobs.
//
// retry_policy is "exhaust" (every failure consumes the whole restart
// budget) or "until_success". retry_base "0s" retries without delay.
type DispatcherConfig struct {
	RetryPolicy   string  `json:"retry_policy,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}

// StorageConfig selects where the queue is saved between runs.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DemoConfig controls the sample task set.
type DemoConfig struct {
	WorkDir string `json:"work_dir,omitempty"`
}

const (
	DefaultQueuePath = "./saved_jobs.json"
	DefaultTrigger   = "@every 1m"
)

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{PoolSize: 10},
		Storage:   &StorageConfig{Driver: "file", Path: DefaultQueuePath},
		Demo:      DemoConfig{WorkDir: "."},
	}
}

// Validate checks values that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Scheduler.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.pool_size must be >= 0"))
	}
	if c.Dispatcher.RetryJitter < 0 || c.Dispatcher.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("dispatcher.retry_jitter must be within [0,1]"))
	}
	if c.Dispatcher.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.history_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Dispatcher.RetryPolicy)) {
	case "", "exhaust", "until_success":
	default:
		errs = append(errs, fmt.Errorf("dispatcher.retry_policy: unknown value %q", c.Dispatcher.RetryPolicy))
	}
	for _, d := range []struct{ path, raw string }{
		{"dispatcher.retry_base", c.Dispatcher.RetryBase},
		{"dispatcher.retry_max_delay", c.Dispatcher.RetryMaxDelay},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
