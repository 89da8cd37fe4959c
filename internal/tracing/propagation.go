package tracing

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// TraceHeader carries the trace ID on the downstream handshake
const TraceHeader = "X-Trace-Id"

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.DeviceID != "" {
		logger = logger.With().Str("device_id", tc.DeviceID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// InjectHeader copies the trace ID from ctx into an outbound request header
func InjectHeader(ctx context.Context, header http.Header) http.Header {
	if header == nil {
		header = http.Header{}
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		header.Set(TraceHeader, traceID)
	}
	return header
}

// ExtractHeader returns a context carrying the trace ID found in header, if any
func ExtractHeader(ctx context.Context, header http.Header) context.Context {
	if traceID := header.Get(TraceHeader); traceID != "" {
		return WithTraceID(ctx, traceID)
	}
	return ctx
}

// MergeContext merges tracing information from source context into target context
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.DeviceID != "" && GetDeviceID(target) == "" {
		target = WithDeviceID(target, tc.DeviceID)
	}

	return target
}
