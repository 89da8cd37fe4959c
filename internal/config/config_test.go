package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, "ws://localhost:5000/ws", cfg.Downstream.Address)
	assert.Equal(t, 10, cfg.Downstream.ForwardTimeoutSeconds)
	assert.Equal(t, 3, cfg.Downstream.MaxConsecutiveFailures)
	assert.Equal(t, 5, cfg.Keepalive.IntervalSeconds)
	assert.Equal(t, 10, cfg.Keepalive.TimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestConfigDurations(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval())
	assert.Equal(t, 10*time.Second, cfg.KeepaliveTimeout())
	assert.Equal(t, 10*time.Second, cfg.ForwardTimeout())
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout())
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()

		assert.NoError(t, cfg.Validate())
	})

	t.Run("http downstream address", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Downstream.Address = "http://localhost:5000/ws"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be ws or wss")
	})

	t.Run("zero keepalive interval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Keepalive.IntervalSeconds = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "interval_seconds")
	})

	t.Run("multiple problems are counted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 0
		cfg.Downstream.ForwardTimeoutSeconds = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "and 1 more")
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()

	str := cfg.String()

	assert.Contains(t, str, `"downstream"`)
	assert.Contains(t, str, `"interval_seconds": 5`)
}
