package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("load config from file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")

		testConfig := `{
			"downstream": {
				"address": "ws://gateway:9000/events",
				"forward_timeout_seconds": 3
			},
			"keepalive": {
				"interval_seconds": 15
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "ws://gateway:9000/events", cfg.Downstream.Address)
		assert.Equal(t, 3, cfg.Downstream.ForwardTimeoutSeconds)
		assert.Equal(t, 15, cfg.Keepalive.IntervalSeconds)
		// untouched keys keep their defaults
		assert.Equal(t, 10, cfg.Keepalive.TimeoutSeconds)
		assert.Equal(t, 8765, cfg.Server.Port)
	})

	t.Run("environment overrides", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"downstream":{"address":"ws://file:1/ws"}}`), 0644))

		t.Setenv("IOTRELAY_DOWNSTREAM_ADDRESS", "ws://env:2/ws")
		t.Setenv("IOTRELAY_KEEPALIVE_TIMEOUT_SECONDS", "30")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "ws://env:2/ws", cfg.Downstream.Address)
		assert.Equal(t, 30, cfg.Keepalive.TimeoutSeconds)
	})

	t.Run("environment overrides without a file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "missing.json")
		t.Setenv("IOTRELAY_SERVER_PORT", "9999")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Downstream.Address = "wss://saved.example.com/ws"
	cfg.Keepalive.IntervalSeconds = 20

	require.NoError(t, loader.Save(cfg))
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://saved.example.com/ws", loaded.Downstream.Address)
	assert.Equal(t, 20, loaded.Keepalive.IntervalSeconds)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		assert.Equal(t, "/custom/path.json", NewLoader("/custom/path.json").GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.Contains(t, path, filepath.Join(".iotrelay", "iotrelay.json"))
	})
}
