// Package obslog provides structured request/decision logging for the
// throttling gateway.
//
// Design Notes:
//   - Uses the standard log package for compatibility, same as
//     pkg/bucketkey's pattern-file warnings.
//   - Correlation IDs (github.com/google/uuid) propagate via context and the
//     X-Request-ID header so a ban/throttle log line can be joined against
//     the access log line for the same request.
//   - JSON structured output; log level inferred from HTTP status.
package obslog

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from the context, or ""
// if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID extracts the request ID from a request's X-Request-ID header,
// generating a fresh UUID if absent.
func RequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

// LogAccess writes a structured JSON line for a completed request.
func LogAccess(requestID string, r *http.Request, statusCode int, duration time.Duration) {
	entry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
	writeAtLevel(statusCode, entry)
}

// Decision identifies which gate produced a non-pass-through outcome.
type Decision string

const (
	DecisionBanned    Decision = "banned"
	DecisionThrottled Decision = "throttled"
)

// LogDecision writes a structured JSON line for a ban or throttle decision,
// distinct from the plain access log so operators can filter on it directly.
func LogDecision(requestID string, r *http.Request, bucketKey string, decision Decision, detail string) {
	entry := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID,
		"bucket_key": bucketKey,
		"decision":   string(decision),
		"detail":     detail,
		"path":       r.URL.Path,
		"query":      r.URL.RawQuery,
	}

	statusCode := http.StatusTooManyRequests
	if decision == DecisionBanned {
		statusCode = http.StatusForbidden
	}
	writeAtLevel(statusCode, entry)
}

func writeAtLevel(statusCode int, entry map[string]interface{}) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] obslog: failed to marshal log entry: %v", err)
		return
	}

	switch {
	case statusCode >= 500:
		log.Printf("[ERROR] %s", string(data))
	case statusCode >= 400:
		log.Printf("[WARN] %s", string(data))
	default:
		log.Printf("[INFO] %s", string(data))
	}
}
