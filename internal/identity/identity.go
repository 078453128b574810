// Package identity provides chat session and request identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/toolchat/internal/domain"
)

const (
	SessionHeaderName  = "X-Session-ID"
	SessionQueryParam  = "session_id"
	generatedIDPrefix  = "session_"
	generatedIDEntropy = 16
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	requestIDKey
	clientIPKey
)

// SessionIDFromContext extracts the chat session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a copy of ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// RequestIDFromContext returns the request ID set by WithRequestID, falling
// back to the chi RequestID middleware value.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v
	}
	return chiMiddleware.GetReqID(ctx)
}

// WithRequestID returns a copy of ctx carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ClientIPFromContext returns the client IP recorded by Middleware.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a random session identifier that satisfies
// domain.ValidSessionID.
func NewSessionID() (string, error) {
	buf := make([]byte, generatedIDEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return generatedIDPrefix + hex.EncodeToString(buf), nil
}

// NormalizeSessionID trims id and reports whether the result is a valid
// session identifier.
func NormalizeSessionID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	return id, domain.ValidSessionID(id)
}

// SessionIDFromRequest reads the session ID from the X-Session-ID header or
// the session_id query parameter. Invalid values yield "".
func SessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	if id, ok := NormalizeSessionID(sid); ok {
		return id
	}
	return ""
}

// Middleware injects the request ID, the client IP and, when the request
// names one, the session ID into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := chiMiddleware.GetReqID(ctx); reqID != "" {
			ctx = WithRequestID(ctx, reqID)
		}
		ctx = context.WithValue(ctx, clientIPKey, IPFromRequest(r))
		if sid := SessionIDFromRequest(r); sid != "" {
			ctx = WithSessionID(ctx, sid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
