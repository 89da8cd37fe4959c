package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main relay configuration
type Config struct {
	// Device-facing server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Downstream forwarding
	Downstream DownstreamConfig `json:"downstream" mapstructure:"downstream"`

	// Device keepalive
	Keepalive KeepaliveConfig `json:"keepalive" mapstructure:"keepalive"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics and periodic stats
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig holds the device WebSocket server configuration
type ServerConfig struct {
	Host                string `json:"host" mapstructure:"host"`
	Port                int    `json:"port" mapstructure:"port"`
	Path                string `json:"path" mapstructure:"path"`
	ReadLimitBytes      int64  `json:"read_limit_bytes" mapstructure:"read_limit_bytes"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
}

// DownstreamConfig holds downstream server configuration
type DownstreamConfig struct {
	Address                string `json:"address" mapstructure:"address"`
	ForwardTimeoutSeconds  int    `json:"forward_timeout_seconds" mapstructure:"forward_timeout_seconds"`
	DialRetries            int    `json:"dial_retries" mapstructure:"dial_retries"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures" mapstructure:"max_consecutive_failures"` // 0 disables
}

// KeepaliveConfig holds device probe configuration
type KeepaliveConfig struct {
	IntervalSeconds int `json:"interval_seconds" mapstructure:"interval_seconds"`
	TimeoutSeconds  int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"` // device lifecycle audit log, empty disables
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	StatsSchedule string `json:"stats_schedule" mapstructure:"stats_schedule"` // cron expression, empty disables
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8765,
			Path:                "/ws",
			ReadLimitBytes:      64 * 1024,
			WriteTimeoutSeconds: 10,
		},
		Downstream: DownstreamConfig{
			Address:                "ws://localhost:5000/ws",
			ForwardTimeoutSeconds:  10,
			DialRetries:            2,
			MaxConsecutiveFailures: 3,
		},
		Keepalive: KeepaliveConfig{
			IntervalSeconds: 5,
			TimeoutSeconds:  10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			StatsSchedule: "@every 1m",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}

	msg := errs[0].Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return fmt.Errorf("invalid configuration: %s", msg)
}

// KeepaliveInterval returns the pause between a pong and the next probe
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Keepalive.IntervalSeconds) * time.Second
}

// KeepaliveTimeout returns the maximum wait for a pong
func (c *Config) KeepaliveTimeout() time.Duration {
	return time.Duration(c.Keepalive.TimeoutSeconds) * time.Second
}

// ForwardTimeout returns the bound on one downstream round trip
func (c *Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Downstream.ForwardTimeoutSeconds) * time.Second
}

// WriteTimeout returns the deadline applied to each device write
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}
