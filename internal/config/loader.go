package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. IOTRELAY_DOWNSTREAM_ADDRESS
const EnvPrefix = "IOTRELAY"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment.
// A missing file yields the defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := l.newViper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("downstream", cfg.Downstream)
	v.Set("keepalive", cfg.Keepalive)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultConfigPath()
}

// newViper prepares a viper instance whose every key can be overridden
// from the environment, including keys absent from the file.
func (l *Loader) newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	defaults := map[string]interface{}{
		"server.host":                         d.Server.Host,
		"server.port":                         d.Server.Port,
		"server.path":                         d.Server.Path,
		"server.read_limit_bytes":             d.Server.ReadLimitBytes,
		"server.write_timeout_seconds":        d.Server.WriteTimeoutSeconds,
		"downstream.address":                  d.Downstream.Address,
		"downstream.forward_timeout_seconds":  d.Downstream.ForwardTimeoutSeconds,
		"downstream.dial_retries":             d.Downstream.DialRetries,
		"downstream.max_consecutive_failures": d.Downstream.MaxConsecutiveFailures,
		"keepalive.interval_seconds":          d.Keepalive.IntervalSeconds,
		"keepalive.timeout_seconds":           d.Keepalive.TimeoutSeconds,
		"logging.level":                       d.Logging.Level,
		"logging.file":                        d.Logging.File,
		"logging.console":                     d.Logging.Console,
		"logging.pretty":                      d.Logging.Pretty,
		"logging.max_size":                    d.Logging.MaxSize,
		"logging.max_age":                     d.Logging.MaxAge,
		"logging.compress":                    d.Logging.Compress,
		"logging.redaction":                   d.Logging.Redaction,
		"logging.audit_file":                  d.Logging.AuditFile,
		"metrics.enabled":                     d.Metrics.Enabled,
		"metrics.stats_schedule":              d.Metrics.StatsSchedule,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return v
}

// DefaultConfigPath returns ~/.iotrelay/iotrelay.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".iotrelay", "iotrelay.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
