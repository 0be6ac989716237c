package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete crewd configuration.
type Config struct {
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DaemonConfig controls the daemon lifecycle.
type DaemonConfig struct {
	// ShutdownTimeoutSec bounds how long graceful shutdown waits for
	// in-flight executions to drain before giving up.
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
	// ScanIntervalSec is how often the daemon scans for due retries and
	// dispatchable work.
	ScanIntervalSec int `mapstructure:"scan_interval_sec"`
}

// DispatchConfig controls the execution slot pool.
type DispatchConfig struct {
	// MaxSlots is the number of concurrent worker executions.
	MaxSlots int `mapstructure:"max_slots"`
	// QueueWaitSec is how long a trigger waits for a free slot before
	// failing with a queue timeout.
	QueueWaitSec int `mapstructure:"queue_wait_sec"`
	// InvokeTimeoutSec is the hard wall-clock limit per worker invocation.
	InvokeTimeoutSec int `mapstructure:"invoke_timeout_sec"`
	// AutoDispatch controls whether eligible tasks are triggered
	// automatically when they become unblocked.
	AutoDispatch bool `mapstructure:"auto_dispatch"`
}

// RetryConfig controls how transient failures are retried.
type RetryConfig struct {
	// MaxAttempts is the number of attempts before a task is blocked.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelaySec is the first retry delay; it doubles per attempt.
	BaseDelaySec int `mapstructure:"base_delay_sec"`
	// MaxDelaySec caps the backoff delay.
	MaxDelaySec int `mapstructure:"max_delay_sec"`
}

// GuardConfig controls handoff loop detection.
type GuardConfig struct {
	// LoopThreshold is the maximum occurrences of the same executor in a
	// task's handoff chain before the task is blocked.
	LoopThreshold int `mapstructure:"loop_threshold"`
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	// MaxEntries is the in-memory ring size for audit tailing.
	MaxEntries int `mapstructure:"max_entries"`
}

// WorkerConfig controls how worker agents are invoked.
type WorkerConfig struct {
	// Command is the worker executable. Empty means executions fail
	// permanently until one is configured.
	Command string `mapstructure:"command"`
	// Args are prepended to the role and task ID arguments.
	Args []string `mapstructure:"args"`
}

// HTTPConfig controls the read-only HTTP API.
type HTTPConfig struct {
	// Enabled controls whether the HTTP listener starts at all.
	Enabled bool `mapstructure:"enabled"`
	// Addr is the listen address, e.g. "127.0.0.1:7077".
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls daemon logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
}

func (d *DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSec) * time.Second
}

func (d *DaemonConfig) ScanInterval() time.Duration {
	return time.Duration(d.ScanIntervalSec) * time.Second
}

func (d *DispatchConfig) QueueWait() time.Duration {
	return time.Duration(d.QueueWaitSec) * time.Second
}

func (d *DispatchConfig) InvokeTimeout() time.Duration {
	return time.Duration(d.InvokeTimeoutSec) * time.Second
}

func (r *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySec) * time.Second
}

func (r *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySec) * time.Second
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
			ScanIntervalSec:    5,
		},
		Dispatch: DispatchConfig{
			MaxSlots:         4,
			QueueWaitSec:     10,
			InvokeTimeoutSec: 1800,
			AutoDispatch:     false,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelaySec: 1,
			MaxDelaySec:  300,
		},
		Guard: GuardConfig{
			LoopThreshold: 3,
		},
		Audit: AuditConfig{
			MaxEntries: 10000,
		},
		Worker: WorkerConfig{
			Command: "",
			Args:    []string{},
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7077",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("daemon.shutdown_timeout_sec", defaults.Daemon.ShutdownTimeoutSec)
	viper.SetDefault("daemon.scan_interval_sec", defaults.Daemon.ScanIntervalSec)

	viper.SetDefault("dispatch.max_slots", defaults.Dispatch.MaxSlots)
	viper.SetDefault("dispatch.queue_wait_sec", defaults.Dispatch.QueueWaitSec)
	viper.SetDefault("dispatch.invoke_timeout_sec", defaults.Dispatch.InvokeTimeoutSec)
	viper.SetDefault("dispatch.auto_dispatch", defaults.Dispatch.AutoDispatch)

	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.base_delay_sec", defaults.Retry.BaseDelaySec)
	viper.SetDefault("retry.max_delay_sec", defaults.Retry.MaxDelaySec)

	viper.SetDefault("guard.loop_threshold", defaults.Guard.LoopThreshold)

	viper.SetDefault("audit.max_entries", defaults.Audit.MaxEntries)

	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.args", defaults.Worker.Args)

	viper.SetDefault("http.enabled", defaults.HTTP.Enabled)
	viper.SetDefault("http.addr", defaults.HTTP.Addr)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and
// validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns an error describing the first invalid field.
func (c *Config) Validate() error {
	if c.Dispatch.MaxSlots < 1 {
		return fmt.Errorf("dispatch.max_slots must be at least 1, got %d", c.Dispatch.MaxSlots)
	}
	if c.Dispatch.QueueWaitSec < 0 {
		return fmt.Errorf("dispatch.queue_wait_sec must not be negative, got %d", c.Dispatch.QueueWaitSec)
	}
	if c.Dispatch.InvokeTimeoutSec < 1 {
		return fmt.Errorf("dispatch.invoke_timeout_sec must be at least 1, got %d", c.Dispatch.InvokeTimeoutSec)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelaySec < 0 || c.Retry.MaxDelaySec < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Guard.LoopThreshold < 1 {
		return fmt.Errorf("guard.loop_threshold must be at least 1, got %d", c.Guard.LoopThreshold)
	}
	if c.Audit.MaxEntries < 1 {
		return fmt.Errorf("audit.max_entries must be at least 1, got %d", c.Audit.MaxEntries)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}
