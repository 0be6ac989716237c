package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Dispatch.MaxSlots)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Guard.LoopThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Dispatch.AutoDispatch)
	assert.False(t, cfg.HTTP.Enabled)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Daemon.ShutdownTimeout())
	assert.Equal(t, 5*time.Second, cfg.Daemon.ScanInterval())
	assert.Equal(t, 10*time.Second, cfg.Dispatch.QueueWait())
	assert.Equal(t, 30*time.Minute, cfg.Dispatch.InvokeTimeout())
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay())
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxDelay())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero slots", func(c *Config) { c.Dispatch.MaxSlots = 0 }},
		{"negative queue wait", func(c *Config) { c.Dispatch.QueueWaitSec = -1 }},
		{"zero invoke timeout", func(c *Config) { c.Dispatch.InvokeTimeoutSec = 0 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative base delay", func(c *Config) { c.Retry.BaseDelaySec = -1 }},
		{"zero loop threshold", func(c *Config) { c.Guard.LoopThreshold = 0 }},
		{"zero audit entries", func(c *Config) { c.Audit.MaxEntries = 0 }},
		{"bogus log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_LogLevelCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	assert.NoError(t, cfg.Validate())
}
