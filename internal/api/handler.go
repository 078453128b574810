// Package api provides HTTP handlers for the chat API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/guardrails"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/tools"
)

// maxRequestBodySize bounds decoded request bodies.
const maxRequestBodySize = 1 << 20 // 1MB

// ChatService is the subset of *chat.Orchestrator the handlers use.
type ChatService interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (*chat.Response, error)
	SessionInfo(ctx context.Context, sessionID string) (*chat.SessionInfo, error)
	History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	ClearSession(ctx context.Context, sessionID string) (bool, error)
	ListSessions(ctx context.Context, opts store.ListOptions) ([]chat.SessionListEntry, error)
	Stats(ctx context.Context) (*chat.Stats, error)
	ExportSession(ctx context.Context, sessionID string) (*chat.Export, error)
	Violations(ctx context.Context) (*guardrails.Summary, error)
	Provider() string
	Tools() []tools.Descriptor
	Ping(ctx context.Context) error
}

var _ ChatService = (*chat.Orchestrator)(nil)

// Handler provides common handler utilities.
type Handler struct {
	svc ChatService
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc ChatService) *Handler {
	return &Handler{svc: svc}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body of at most maxRequestBodySize bytes into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}
