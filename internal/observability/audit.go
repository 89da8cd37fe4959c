package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evacsys/iotrelay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	AuditTypeDevice = "device"
	AuditTypeConfig = "config"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // device ID or "operator"
	Action    string                 `json:"action"`          // e.g., "identified", "session_ended"
	Status    string                 `json:"status"`          // "success", "failure"
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes device lifecycle and config events as JSON lines.
// A nil *AuditLogger discards every event.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   io.Closer
}

// NewAuditLogger creates an audit logger writing to w
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLog creates an audit logger appending to the file at path
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	a := NewAuditLogger(file)
	a.file = file
	return a, nil
}

// Record emits an audit event to the log and, when ctx carries a span, to OpenTelemetry
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.SessionID == "" {
		event.SessionID = tracing.GetSessionID(ctx)
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("event_time", event.Timestamp).
		Str("event_type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.SessionID != "" {
		entry.Str("session_id", event.SessionID)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit log file, if any
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Helper methods for common events

func (a *AuditLogger) RecordDevice(ctx context.Context, action, deviceID, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     AuditTypeDevice,
		Actor:    deviceID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func (a *AuditLogger) RecordConfig(ctx context.Context, action, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     AuditTypeConfig,
		Actor:    "operator",
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
