// Package logger builds the relay's zerolog logger from the logging section
// of the configuration: console and/or a size-rotated file, with
// URL credentials and tokens scrubbed before anything is written.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceName is stamped on every relay log line
const ServiceName = "iotrelay"

// Config mirrors the logging section of the relay configuration
type Config struct {
	Level   string // zerolog level name; unknown names fall back to info
	File    string // relay log file, empty logs to the console only
	Console bool
	Pretty  bool // human-readable console output instead of JSON lines
	// Redaction scrubs credentials from every line, console and file alike
	Redaction bool
	MaxSize   int // MB per log file, zero disables rotation
	MaxAge    int // days a rotated file is kept, zero keeps them all
	Compress  bool
}

// DefaultConfig is what the relay logs with before its config file is read
func DefaultConfig() Config {
	return Config{
		Level:     zerolog.InfoLevel.String(),
		Console:   true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

// Logger owns the relay's root zerolog logger and its log file
type Logger struct {
	root     zerolog.Logger
	file     io.WriteCloser
	redactor *Redactor
}

// New builds the root logger and installs it as zerolog's global logger.
// With neither console nor file enabled, output goes to stdout.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	file, err := openLogFile(cfg)
	if err != nil {
		return nil, err
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg.Pretty))
	}
	if file != nil {
		sinks = append(sinks, file)
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = os.Stdout
	case 1:
		out = sinks[0]
	default:
		out = io.MultiWriter(sinks...)
	}

	l := &Logger{file: file}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.root = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
	log.Logger = l.root

	return l, nil
}

func consoleSink(pretty bool) io.Writer {
	if !pretty {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// openLogFile returns nil when no file is configured
func openLogFile(cfg Config) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nil, nil
	}
	if cfg.MaxSize > 0 {
		return OpenRotatingFile(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Zerolog returns the root logger handed to the relay server and forwarder
func (l *Logger) Zerolog() zerolog.Logger {
	return l.root
}

// Component returns a child logger tagged with the relay component name,
// e.g. "server", "forwarder" or "reporter".
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
