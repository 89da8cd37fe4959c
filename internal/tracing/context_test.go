package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewSessionID(t *testing.T) {
	id1 := NewSessionID()
	id2 := NewSessionID()

	if len(id1) != 21 {
		t.Errorf("Expected 21 character session ID, got %q", id1)
	}

	if id1 == id2 {
		t.Error("NewSessionID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "test-trace-id")

	if retrieved := GetTraceID(ctx); retrieved != "test-trace-id" {
		t.Errorf("Expected trace ID %s, got %s", "test-trace-id", retrieved)
	}
}

func TestWithSessionID(t *testing.T) {
	ctx := WithSessionID(context.Background(), "session-1")

	if retrieved := GetSessionID(ctx); retrieved != "session-1" {
		t.Errorf("Expected session ID %s, got %s", "session-1", retrieved)
	}
}

func TestWithDeviceID(t *testing.T) {
	ctx := WithDeviceID(context.Background(), "AA:BB")

	if retrieved := GetDeviceID(ctx); retrieved != "AA:BB" {
		t.Errorf("Expected device ID %s, got %s", "AA:BB", retrieved)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" || GetSessionID(ctx) != "" || GetDeviceID(ctx) != "" {
		t.Error("Expected empty values from empty context")
	}
}

func TestFromContextAndNewContext(t *testing.T) {
	tc := &TraceContext{
		TraceID:   "trace-1",
		SessionID: "session-1",
		DeviceID:  "AA:BB",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewContextSkipsEmptyFields(t *testing.T) {
	ctx := WithDeviceID(context.Background(), "AA:BB")
	ctx = NewContext(ctx, &TraceContext{TraceID: "trace-1"})

	if GetDeviceID(ctx) != "AA:BB" {
		t.Error("Empty device ID should not overwrite existing value")
	}
}

func TestNewForwardContext(t *testing.T) {
	parent := WithSessionID(context.Background(), "session-1")
	parent = WithTraceID(parent, "old-trace")

	ctx := NewForwardContext(parent, "AA:BB")

	if GetTraceID(ctx) == "" || GetTraceID(ctx) == "old-trace" {
		t.Error("Expected a fresh trace ID per forward call")
	}
	if GetSessionID(ctx) != "session-1" {
		t.Error("Session ID not kept")
	}
	if GetDeviceID(ctx) != "AA:BB" {
		t.Error("Device ID not set")
	}
}
