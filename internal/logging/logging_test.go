package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected log message in output, got: %s", output)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got: %v", logEntry["msg"])
	}
}

func TestLoggerWithRequestInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf)

	info := &RequestInfo{
		RequestID:     "test-req-123",
		WorkspaceID:   "ws-1",
		Endpoint:      "POST /api/workspace/ws-1/collabs",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		ServerTotalMs: 42.5,
	}

	logger.WithRequestInfo(info).Info("request completed")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"request_id", "test-req-123"},
		{"workspace_id", "ws-1"},
		{"endpoint", "POST /api/workspace/ws-1/collabs"},
		{"trace_id", "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"server_total_ms", 42.5},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if logEntry[tt.key] != tt.expected {
				t.Errorf("expected %s=%v, got: %v", tt.key, tt.expected, logEntry[tt.key])
			}
		})
	}
}

func TestLoggerWithRequestInfoOmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf)

	logger.WithRequestInfo(&RequestInfo{RequestID: "only-id"}).Info("partial")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	for _, key := range []string{"workspace_id", "endpoint", "trace_id", "server_total_ms"} {
		if _, ok := logEntry[key]; ok {
			t.Errorf("expected %s to be omitted, got %v", key, logEntry[key])
		}
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf)

	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "ctx-req-456")
	ctx = ContextWithWorkspace(ctx, "ctx-ws")
	ctx = ContextWithEndpoint(ctx, "GET /api/workspace/ctx-ws/collab/doc")
	ctx = ContextWithTraceID(ctx, "trace-1")

	logger.WithContext(ctx).Info("context test")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if logEntry["request_id"] != "ctx-req-456" {
		t.Errorf("expected request_id='ctx-req-456', got: %v", logEntry["request_id"])
	}
	if logEntry["workspace_id"] != "ctx-ws" {
		t.Errorf("expected workspace_id='ctx-ws', got: %v", logEntry["workspace_id"])
	}
	if logEntry["endpoint"] != "GET /api/workspace/ctx-ws/collab/doc" {
		t.Errorf("unexpected endpoint: %v", logEntry["endpoint"])
	}
	if logEntry["trace_id"] != "trace-1" {
		t.Errorf("expected trace_id='trace-1', got: %v", logEntry["trace_id"])
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	if RequestIDFromContext(ctx) != "" {
		t.Error("expected empty request ID from empty context")
	}
	if WorkspaceFromContext(ctx) != "" {
		t.Error("expected empty workspace from empty context")
	}
	if TraceIDFromContext(ctx) != "" {
		t.Error("expected empty trace id from empty context")
	}
	if !RequestTimeFromContext(ctx).IsZero() {
		t.Error("expected zero request time from empty context")
	}
	if ElapsedMs(ctx) != 0 {
		t.Error("expected zero elapsed time without a request time")
	}

	start := time.Now().Add(-50 * time.Millisecond)
	ctx = ContextWithRequestTime(ctx, start)
	if got := ElapsedMs(ctx); got < 50 {
		t.Errorf("expected elapsed >= 50ms, got %f", got)
	}
}

func TestDiscardLogger(t *testing.T) {
	logger := Discard()
	logger.Info("dropped")
	logger.WithContext(context.Background()).Error("also dropped")
}
