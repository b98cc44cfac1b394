package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnmatchedPath labels requests that matched no route.
const UnmatchedPath = "unmatched"

// RequestRecorder receives one call per finished request.
type RequestRecorder interface {
	RecordRequest(traceID, path string, latencyMs uint64, statusCode int)
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that assigns request and trace ids,
// logs each request and reports it to recorder (which may be nil).
// It must wrap the ServeMux so the matched route pattern is visible.
func Middleware(logger *Logger, recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			traceID := TraceIDFromHeaders(r.Header)
			endpoint := r.Method + " " + r.URL.Path

			ctx := r.Context()
			ctx = ContextWithRequestID(ctx, requestID)
			ctx = ContextWithRequestTime(ctx, start)
			ctx = ContextWithEndpoint(ctx, endpoint)
			if traceID != "" {
				ctx = ContextWithTraceID(ctx, traceID)
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			w.Header().Set("X-Request-ID", requestID)

			// The mux records the matched pattern on the request it is given.
			req := r.WithContext(ctx)
			next.ServeHTTP(rw, req)

			elapsed := time.Since(start)
			path := RoutePath(req.Pattern)
			if recorder != nil {
				recorder.RecordRequest(traceID, path, uint64(elapsed.Milliseconds()), rw.statusCode)
			}

			info := &RequestInfo{
				RequestID:     requestID,
				WorkspaceID:   req.PathValue("workspace_id"),
				Endpoint:      endpoint,
				TraceID:       traceID,
				ServerTotalMs: float64(elapsed.Microseconds()) / 1000.0,
			}
			logger.WithRequestInfo(info).Info("request completed",
				"status", rw.statusCode,
				"method", r.Method,
				"path", r.URL.Path,
				"route", path,
			)
		})
	}
}

// RoutePath turns a ServeMux pattern ("POST /a/{id}") into the path label
// ("/a/{id}"). An empty pattern yields UnmatchedPath.
func RoutePath(pattern string) string {
	if pattern == "" {
		return UnmatchedPath
	}
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = strings.TrimSpace(pattern[i+1:])
	}
	return pattern
}

// TraceIDFromHeaders returns the trace id of a W3C traceparent header, or
// the X-Trace-Id header when no valid traceparent is present.
func TraceIDFromHeaders(h http.Header) string {
	if tp := h.Get("traceparent"); tp != "" {
		if id, ok := parseTraceparent(tp); ok {
			return id
		}
	}
	return strings.TrimSpace(h.Get("X-Trace-Id"))
}

// parseTraceparent extracts the trace-id field of
// "version-traceid-parentid-flags" (00-<32 hex>-<16 hex>-<2 hex>).
func parseTraceparent(v string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(v), "-")
	if len(parts) < 4 {
		return "", false
	}
	if len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return "", false
	}
	if !isLowerHex(parts[1]) || strings.Trim(parts[1], "0") == "" {
		return "", false
	}
	return parts[1], true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
