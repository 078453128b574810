package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/flow"
	"github.com/ashureev/toolchat/internal/guardrails"
	"github.com/ashureev/toolchat/internal/identity"
	"github.com/ashureev/toolchat/internal/llm"
	"github.com/ashureev/toolchat/internal/store"
	"github.com/ashureev/toolchat/internal/tools"
)

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// recentActivityWindow bounds SessionInfo.RecentActivity.
const recentActivityWindow = 5 * time.Minute

// exportErrorLimit caps the error entries included in an export.
const exportErrorLimit = 100

// SessionInfo describes one session.
type SessionInfo struct {
	SessionID         string       `json:"session_id"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	TotalMessages     int          `json:"total_messages"`
	RecentActivity    int          `json:"recent_activity"`
	IsActive          bool         `json:"is_active"`
	TotalInputTokens  int          `json:"total_input_tokens"`
	TotalOutputTokens int          `json:"total_output_tokens"`
	EstimatedCost     llm.Cost     `json:"estimated_cost"`
	Conversation      flow.Summary `json:"conversation"`
	RequestID         string       `json:"request_id,omitempty"`
}

// SessionListEntry is one row of ListSessions.
type SessionListEntry struct {
	domain.Session
	TotalMessages int `json:"total_messages"`
}

// GuardrailSettings is the guardrail part of Stats.
type GuardrailSettings struct {
	GeneralChat           bool `json:"general_chat"`
	ContentFilter         bool `json:"content_filter"`
	MaxConversationLength int  `json:"max_conversation_length"`
}

// Stats combines store statistics with the service configuration.
type Stats struct {
	store.Statistics
	LLMProvider       string            `json:"llm_provider"`
	ToolsEnabled      bool              `json:"tools_enabled"`
	AvailableTools    []string          `json:"available_tools"`
	GuardrailsEnabled GuardrailSettings `json:"guardrails_enabled"`
	EstimatedCost     llm.Cost          `json:"estimated_cost"`
}

// Export is the full record of a session.
type Export struct {
	Session    *domain.Session    `json:"session"`
	Messages   []domain.Message   `json:"messages"`
	Errors     []domain.ErrorLog  `json:"errors"`
	Violations []domain.Violation `json:"violations"`
	Summary    flow.Summary       `json:"summary"`
	ExportedAt time.Time          `json:"exported_at"`
}

// CleanupReport counts what a cleanup sweep removed.
type CleanupReport struct {
	SessionsRemoved  int64 `json:"sessions_removed"`
	ErrorLogsRemoved int64 `json:"error_logs_removed"`
}

// SessionInfo returns metadata and activity counters for a session.
func (o *Orchestrator) SessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get_session", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	recent, err := o.repo.RecentMessageCount(ctx, sessionID, o.now().Add(-recentActivityWindow))
	if err != nil {
		return nil, storeError("recent_message_count", err)
	}
	history, err := o.repo.History(ctx, sessionID, 0)
	if err != nil {
		return nil, storeError("history", err)
	}
	return &SessionInfo{
		SessionID:         session.ID,
		CreatedAt:         session.CreatedAt,
		LastActivity:      session.LastActivity,
		TotalMessages:     session.MessageCount,
		RecentActivity:    recent,
		IsActive:          session.Active,
		TotalInputTokens:  session.TotalInputTokens,
		TotalOutputTokens: session.TotalOutputTokens,
		EstimatedCost:     llm.EstimateCost(o.params.Model, session.TotalInputTokens, session.TotalOutputTokens),
		Conversation:      o.flow.Summary(history),
		RequestID:         identity.RequestIDFromContext(ctx),
	}, nil
}

// History returns a session's messages in ascending order. A limit <= 0
// returns all of them.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	msgs, err := o.repo.History(ctx, sessionID, limit)
	if err != nil {
		return nil, storeError("history", err)
	}
	return msgs, nil
}

// ClearSession deletes a session, its messages and its violation ledger.
// It reports whether the session existed.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	existed, err := o.repo.ClearSession(ctx, sessionID)
	if err != nil {
		return false, storeError("clear_session", err)
	}
	if err := o.guard.ClearSessionViolations(ctx, sessionID); err != nil {
		slog.Warn("Failed to clear session violations", "session_id", sessionID, "error", err)
	}
	slog.Info("Session cleared", "session_id", sessionID, "existed", existed)
	return existed, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (o *Orchestrator) ListSessions(ctx context.Context, opts store.ListOptions) ([]SessionListEntry, error) {
	sessions, err := o.repo.ListSessions(ctx, opts)
	if err != nil {
		return nil, storeError("list_sessions", err)
	}
	out := make([]SessionListEntry, len(sessions))
	for i, s := range sessions {
		out[i] = SessionListEntry{Session: s, TotalMessages: s.MessageCount}
	}
	return out, nil
}

// Stats returns store statistics and the active configuration.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	st, err := o.repo.Statistics(ctx)
	if err != nil {
		return nil, storeError("statistics", err)
	}
	g := o.guard.Config()
	return &Stats{
		Statistics:     *st,
		LLMProvider:    o.generator.Name(),
		ToolsEnabled:   o.toolsEnabled,
		AvailableTools: o.registry.Names(),
		GuardrailsEnabled: GuardrailSettings{
			GeneralChat:           g.EnableGeneralChat,
			ContentFilter:         g.ContentFilterEnabled,
			MaxConversationLength: g.MaxConversationLength,
		},
		EstimatedCost: llm.EstimateCost(o.params.Model, st.TotalInputTokens, st.TotalOutputTokens),
	}, nil
}

// ExportSession returns the session with its messages, recent errors and
// violation ledger.
func (o *Orchestrator) ExportSession(ctx context.Context, sessionID string) (*Export, error) {
	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError("get_session", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	msgs, err := o.repo.History(ctx, sessionID, 0)
	if err != nil {
		return nil, storeError("history", err)
	}
	errs, err := o.repo.SessionErrors(ctx, sessionID, exportErrorLimit)
	if err != nil {
		return nil, storeError("session_errors", err)
	}
	violations, err := o.guard.SessionViolations(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read violations: %w", err)
	}
	return &Export{
		Session:    session,
		Messages:   msgs,
		Errors:     errs,
		Violations: violations,
		Summary:    o.flow.Summary(msgs),
		ExportedAt: o.now(),
	}, nil
}

// Violations summarizes the guardrail ledger.
func (o *Orchestrator) Violations(ctx context.Context) (*guardrails.Summary, error) {
	return o.guard.ViolationSummary(ctx)
}

// CleanupExpired removes sessions idle for longer than sessionTTL and error
// entries older than errorRetention. A non-positive duration skips that part.
func (o *Orchestrator) CleanupExpired(ctx context.Context, sessionTTL, errorRetention time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if sessionTTL > 0 {
		n, err := o.repo.CleanupExpiredSessions(ctx, sessionTTL)
		if err != nil {
			return report, storeError("cleanup_sessions", err)
		}
		report.SessionsRemoved = n
	}
	if errorRetention > 0 {
		n, err := o.repo.CleanupErrorLogs(ctx, errorRetention)
		if err != nil {
			return report, storeError("cleanup_error_logs", err)
		}
		report.ErrorLogsRemoved = n
	}
	if report.SessionsRemoved > 0 || report.ErrorLogsRemoved > 0 {
		slog.Info("Expired chat data removed",
			"sessions", report.SessionsRemoved,
			"error_logs", report.ErrorLogsRemoved)
	}
	return report, nil
}

// Provider returns the name of the active LLM provider.
func (o *Orchestrator) Provider() string { return o.generator.Name() }

// Tools returns the registered tool descriptors.
func (o *Orchestrator) Tools() []tools.Descriptor { return o.registry.List() }

// Ping checks the history store.
func (o *Orchestrator) Ping(ctx context.Context) error { return o.repo.Ping(ctx) }
