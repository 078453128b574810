package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/metrics"
	"github.com/ashureev/toolchat/internal/middleware"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/transcript"
)

// User-facing error messages.
const (
	msgUnexpected  = "An unexpected error occurred while processing your message."
	msgRateLimited = "Rate limit exceeded. Please wait before sending more messages."
	msgBadSession  = "Invalid session ID format"
	msgNotFound    = "Session not found"
)

const defaultHistoryLimit = 50

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatHandler serves the chat and session endpoints.
type ChatHandler struct {
	*Handler
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
}

// NewChatHandler creates a ChatHandler. metrics may be nil.
func NewChatHandler(base *Handler, limiter *middleware.RateLimiter, m *metrics.Metrics) *ChatHandler {
	return &ChatHandler{Handler: base, limiter: limiter, metrics: m}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.PostChat)
		r.Get("/stats", h.GetStats)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/export", h.ExportSession)
			r.Delete("/{id}", h.DeleteSession)
		})
	})
	r.Get("/api/guardrails/violations", h.GetViolations)
}

// PostChat runs one chat turn.
func (h *ChatHandler) PostChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decode(w, r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = identity.SessionIDFromContext(r.Context())
	}
	if sessionID == "" {
		id, err := identity.NewSessionID()
		if err != nil {
			slog.Error("Failed to generate session id", "error", err)
			Error(w, http.StatusInternalServerError, msgUnexpected)
			return
		}
		sessionID = id
	}
	sessionID, ok := identity.NormalizeSessionID(sessionID)
	if !ok {
		Error(w, http.StatusBadRequest, msgBadSession)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(sessionID) {
		if h.metrics != nil {
			h.metrics.RateLimited.Inc()
		}
		slog.Warn("Chat rate limit exceeded", "session_id", sessionID)
		Error(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	ctx := chat.WithChannel(r.Context(), transcript.ChannelHTTP)
	resp, err := h.svc.ProcessMessage(ctx, sessionID, req.Message)
	if err != nil {
		writeChatError(w, err, identity.RequestIDFromContext(r.Context()))
		return
	}
	JSON(w, http.StatusOK, resp)
}

// StatusFor maps a chat error to its HTTP status and user-facing message.
func StatusFor(err error) (int, string) {
	var (
		ve *chat.ValidationError
		te *chat.ToolError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Message
	case errors.As(err, &te):
		return http.StatusUnprocessableEntity, fmt.Sprintf("Tool '%s' is not available.", te.Tool)
	case errors.Is(err, chat.ErrLLM):
		return http.StatusServiceUnavailable, msgUnexpected
	default:
		return http.StatusInternalServerError, msgUnexpected
	}
}

func writeChatError(w http.ResponseWriter, err error, requestID string) {
	status, msg := StatusFor(err)
	JSON(w, status, map[string]string{
		"error":      msg,
		"error_type": string(chat.KindOf(err)),
		"request_id": requestID,
	})
}

// ListSessions returns sessions ordered by recent activity.
func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
		ActiveOnly: q.Get("active_only") == "true",
	}
	if opts.Limit < 1 || opts.Limit > 1000 || opts.Offset < 0 {
		Error(w, http.StatusBadRequest, "invalid pagination parameters")
		return
	}

	sessions, err := h.svc.ListSessions(r.Context(), opts)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, msgUnexpected)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// GetSession returns session metadata.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	info, err := h.svc.SessionInfo(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// GetHistory returns the messages of a session.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), defaultHistoryLimit)
	msgs, err := h.svc.History(r.Context(), id, limit)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"total":      len(msgs),
	})
}

// ExportSession returns the full record of a session as a download.
func (h *ChatHandler) ExportSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	export, err := h.svc.ExportSession(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json"`, id))
	JSON(w, http.StatusOK, export)
}

// DeleteSession clears a session and its history.
func (h *ChatHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	existed, err := h.svc.ClearSession(r.Context(), id)
	if err != nil {
		h.writeSessionError(w, id, err)
		return
	}
	if !existed {
		Error(w, http.StatusNotFound, msgNotFound)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"cleared":    true,
	})
}

// GetStats returns service statistics.
func (h *ChatHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to read statistics", "error", err)
		Error(w, http.StatusInternalServerError, msgUnexpected)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// GetViolations returns the guardrail violation summary.
func (h *ChatHandler) GetViolations(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Violations(r.Context())
	if err != nil {
		slog.Error("Failed to summarize violations", "error", err)
		Error(w, http.StatusInternalServerError, msgUnexpected)
		return
	}
	JSON(w, http.StatusOK, summary)
}

func (h *ChatHandler) writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, chat.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, msgNotFound)
		return
	}
	slog.Error("Session request failed", "session_id", sessionID, "error", err)
	Error(w, http.StatusInternalServerError, msgUnexpected)
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := identity.NormalizeSessionID(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusBadRequest, msgBadSession)
	}
	return id, ok
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
