package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/toolchat/internal/api"
	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/metrics"
	"github.com/ashureev/toolchat/internal/middleware"
	"github.com/ashureev/toolchat/internal/transcript"
)

const writeTimeout = 10 * time.Second

// Message types.
const (
	TypeMessage  = "message"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeSession  = "session"
	TypeResponse = "response"
	TypeError    = "error"
)

// Turner runs one chat turn.
type Turner interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (*chat.Response, error)
}

// Handler upgrades requests to WebSocket and serves chat turns.
type Handler struct {
	svc           Turner
	conns         *ConnManager
	limiter       *middleware.RateLimiter
	metrics       *metrics.Metrics
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a Handler. limiter and m may be nil.
func NewHandler(svc Turner, conns *ConnManager, limiter *middleware.RateLimiter, m *metrics.Metrics, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		svc:           svc,
		conns:         conns,
		limiter:       limiter,
		metrics:       m,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// inbound is a client frame.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Response  *chat.Response `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		sessionID = identity.SessionIDFromRequest(r)
	}
	if sessionID == "" {
		id, err := identity.NewSessionID()
		if err != nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		sessionID = id
	}
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.conns.Register(sessionID, conn)
	defer h.conns.Unregister(sessionID, conn)
	if h.metrics != nil {
		h.metrics.WebSocketClients.Inc()
		defer h.metrics.WebSocketClients.Dec()
	}

	ctx := identity.WithSessionID(r.Context(), sessionID)
	if err := writeJSON(ctx, conn, outbound{Type: TypeSession, SessionID: sessionID}); err != nil {
		slog.Debug("Failed to send session frame", "error", err)
		return
	}
	h.readLoop(ctx, conn, sessionID)
	slog.Info("Chat connection ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = inbound{Type: TypeMessage, Content: string(data)}
		}

		var reply outbound
		switch msg.Type {
		case TypePing:
			reply = outbound{Type: TypePong}
		case TypeMessage:
			reply = h.turn(ctx, sessionID, msg.Content)
		default:
			reply = outbound{Type: TypeError, Error: "unknown message type"}
		}

		if err := writeJSON(ctx, conn, reply); err != nil {
			slog.Debug("Failed to write reply", "error", err, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) turn(ctx context.Context, sessionID, text string) outbound {
	if h.limiter != nil && !h.limiter.Allow(sessionID) {
		if h.metrics != nil {
			h.metrics.RateLimited.Inc()
		}
		return outbound{
			Type:      TypeError,
			Error:     "Rate limit exceeded. Please wait before sending more messages.",
			ErrorType: "rate_limit",
		}
	}

	resp, err := h.svc.ProcessMessage(chat.WithChannel(ctx, transcript.ChannelWebSocket), sessionID, text)
	if err != nil {
		_, msg := api.StatusFor(err)
		return outbound{Type: TypeError, Error: msg, ErrorType: string(chat.KindOf(err))}
	}
	return outbound{Type: TypeResponse, SessionID: sessionID, Response: resp}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
