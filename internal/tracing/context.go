package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID of one forward call
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the device session ID
	SessionIDKey ContextKey = "session_id"
	// DeviceIDKey is the context key for the device identifier
	DeviceIDKey ContextKey = "device_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	DeviceID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewSessionID generates a short, URL-safe session ID
func NewSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		return uuid.New().String()
	}
	return id
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithDeviceID adds a device ID to the context
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) string {
	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok {
		return deviceID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		DeviceID:  GetDeviceID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.DeviceID != "" {
		ctx = WithDeviceID(ctx, tc.DeviceID)
	}
	return ctx
}

// NewForwardContext creates a context for one forward call with a fresh trace ID.
// Session and device IDs from ctx are kept.
func NewForwardContext(ctx context.Context, deviceID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if deviceID != "" {
		ctx = WithDeviceID(ctx, deviceID)
	}
	return ctx
}
