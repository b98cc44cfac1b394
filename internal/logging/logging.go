// Package logging provides structured JSON logging for collabd.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with additional context fields.
type Logger struct {
	*slog.Logger
}

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	workspaceKey   contextKey = "workspace_id"
	endpointKey    contextKey = "endpoint"
	traceIDKey     contextKey = "trace_id"
	requestTimeKey contextKey = "request_time"
)

// RequestInfo contains contextual information about the request.
type RequestInfo struct {
	RequestID     string
	WorkspaceID   string
	Endpoint      string
	TraceID       string
	ServerTotalMs float64
	RequestTime   time.Time
}

// New creates a new Logger with JSON output.
func New() *Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a new Logger with JSON output to the provided writer.
func NewWithWriter(w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard)
}

// WithContext returns a logger with context values attached.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}
	if workspace, ok := ctx.Value(workspaceKey).(string); ok && workspace != "" {
		logger = logger.With(slog.String("workspace_id", workspace))
	}
	if endpoint, ok := ctx.Value(endpointKey).(string); ok && endpoint != "" {
		logger = logger.With(slog.String("endpoint", endpoint))
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}

	return &Logger{Logger: logger}
}

// WithRequestInfo returns a logger with request information attached.
func (l *Logger) WithRequestInfo(info *RequestInfo) *Logger {
	logger := l.Logger

	if info.RequestID != "" {
		logger = logger.With(slog.String("request_id", info.RequestID))
	}
	if info.WorkspaceID != "" {
		logger = logger.With(slog.String("workspace_id", info.WorkspaceID))
	}
	if info.Endpoint != "" {
		logger = logger.With(slog.String("endpoint", info.Endpoint))
	}
	if info.TraceID != "" {
		logger = logger.With(slog.String("trace_id", info.TraceID))
	}
	if info.ServerTotalMs > 0 {
		logger = logger.With(slog.Float64("server_total_ms", info.ServerTotalMs))
	}

	return &Logger{Logger: logger}
}

// With returns a new logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithWorkspace adds a workspace id to the context.
func ContextWithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspaceID)
}

// ContextWithEndpoint adds an endpoint to the context.
func ContextWithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, endpointKey, endpoint)
}

// ContextWithTraceID adds a trace id to the context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextWithRequestTime adds a request start time to the context.
func ContextWithRequestTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WorkspaceFromContext extracts the workspace id from the context.
func WorkspaceFromContext(ctx context.Context) string {
	if ws, ok := ctx.Value(workspaceKey).(string); ok {
		return ws
	}
	return ""
}

// EndpointFromContext extracts the endpoint from the context.
func EndpointFromContext(ctx context.Context) string {
	if ep, ok := ctx.Value(endpointKey).(string); ok {
		return ep
	}
	return ""
}

// TraceIDFromContext extracts the trace id from the context.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestTimeFromContext extracts the request start time from the context.
func RequestTimeFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// ElapsedMs returns the milliseconds elapsed since the request time.
func ElapsedMs(ctx context.Context) float64 {
	start := RequestTimeFromContext(ctx)
	if start.IsZero() {
		return 0
	}
	return float64(time.Since(start).Microseconds()) / 1000.0
}
