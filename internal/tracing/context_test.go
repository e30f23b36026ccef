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

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithThreadID(ctx, "thread-789")
	ctx = WithProjectID(ctx, "proj-abc")
	ctx = WithRequestID(ctx, "req-def")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RunID != "run-456" {
		t.Errorf("Expected run ID run-456, got %s", tc.RunID)
	}
	if tc.ThreadID != "thread-789" {
		t.Errorf("Expected thread ID thread-789, got %s", tc.ThreadID)
	}
	if tc.ProjectID != "proj-abc" {
		t.Errorf("Expected project ID proj-abc, got %s", tc.ProjectID)
	}
	if tc.RequestID != "req-def" {
		t.Errorf("Expected request ID req-def, got %s", tc.RequestID)
	}
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())
	if *tc != (TraceContext{}) {
		t.Errorf("Expected empty trace context, got %+v", tc)
	}
}

func TestNewRunContext(t *testing.T) {
	ctx := NewRunContext(context.Background(), "run-1", "thread-1")
	if GetTraceID(ctx) == "" {
		t.Error("Expected a trace ID to be generated")
	}
	if GetRunID(ctx) != "run-1" || GetThreadID(ctx) != "thread-1" {
		t.Errorf("Unexpected run context %+v", FromContext(ctx))
	}

	parent := WithTraceID(context.Background(), "trace-keep")
	ctx = NewRunContext(parent, "run-2", "thread-2")
	if GetTraceID(ctx) != "trace-keep" {
		t.Errorf("Expected trace ID to be kept, got %s", GetTraceID(ctx))
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	want := &TraceContext{TraceID: "t", RunID: "r", ThreadID: "th", ProjectID: "p", RequestID: "q"}
	got := FromContext(NewContext(context.Background(), want))
	if *got != *want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}
