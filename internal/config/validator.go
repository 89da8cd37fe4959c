package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/evacsys/iotrelay/internal/metrics"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDownstreamAddress validates a downstream WebSocket URL
func (v *Validator) ValidateDownstreamAddress(address string) error {
	if address == "" {
		return fmt.Errorf("downstream address cannot be empty")
	}

	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid downstream address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid downstream address scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("downstream address has no host")
	}

	return nil
}

// ValidatePort validates a listen port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidatePath validates the device endpoint path
func (v *Validator) ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid server path %q (must start with /)", path)
	}
	switch path {
	case "/healthz", "/metrics", "/devices":
		return fmt.Errorf("server path %q is reserved", path)
	}
	return nil
}

// ValidateKeepalive validates probe interval and timeout
func (v *Validator) ValidateKeepalive(intervalSeconds, timeoutSeconds int) error {
	if intervalSeconds <= 0 {
		return fmt.Errorf("keepalive.interval_seconds must be > 0")
	}
	if timeoutSeconds <= 0 {
		return fmt.Errorf("keepalive.timeout_seconds must be > 0")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStatsSchedule validates the stats reporter schedule
func (v *Validator) ValidateStatsSchedule(schedule string) error {
	if schedule == "" {
		return nil // Disabled
	}
	return metrics.ValidateSchedule(schedule)
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate server
	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if err := v.ValidatePath(cfg.Server.Path); err != nil {
		errors = append(errors, err)
	}
	if cfg.Server.ReadLimitBytes <= 0 {
		errors = append(errors, fmt.Errorf("server.read_limit_bytes must be > 0"))
	}
	if cfg.Server.WriteTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("server.write_timeout_seconds must be > 0"))
	}

	// Validate downstream
	if err := v.ValidateDownstreamAddress(cfg.Downstream.Address); err != nil {
		errors = append(errors, err)
	}
	if cfg.Downstream.ForwardTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("downstream.forward_timeout_seconds must be > 0"))
	}
	if cfg.Downstream.DialRetries < 0 {
		errors = append(errors, fmt.Errorf("downstream.dial_retries must be >= 0"))
	}
	if cfg.Downstream.MaxConsecutiveFailures < 0 {
		errors = append(errors, fmt.Errorf("downstream.max_consecutive_failures must be >= 0"))
	}

	// Validate keepalive
	if err := v.ValidateKeepalive(cfg.Keepalive.IntervalSeconds, cfg.Keepalive.TimeoutSeconds); err != nil {
		errors = append(errors, err)
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging.max_size must be >= 0"))
	}
	if cfg.Logging.MaxAge < 0 {
		errors = append(errors, fmt.Errorf("logging.max_age must be >= 0"))
	}
	if !cfg.Logging.Console && cfg.Logging.File == "" {
		errors = append(errors, fmt.Errorf("logging needs console or a file"))
	}

	// Validate metrics
	if err := v.ValidateStatsSchedule(cfg.Metrics.StatsSchedule); err != nil {
		errors = append(errors, err)
	}

	return errors
}
