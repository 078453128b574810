// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
)

// ListOptions controls session listing.
type ListOptions struct {
	Limit      int
	Offset     int
	ActiveOnly bool
}

// Statistics is an aggregate view over the stored sessions.
type Statistics struct {
	TotalSessions     int `json:"total_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	TotalMessages     int `json:"total_messages"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
	Sessions24h       int `json:"sessions_last_24h"`
	Messages24h       int `json:"messages_last_24h"`
	Errors24h         int `json:"errors_last_24h"`
}

// Repository defines the interface for persisting sessions, their message
// history and the error ledger.
type Repository interface {
	// GetOrCreateSession returns the session, creating it on first use.
	// Repeated calls return the same session without duplicating it.
	GetOrCreateSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetSession returns the session or nil, nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// AppendMessage stores msg and updates the owning session's message
	// count, token totals and last activity in the same transaction. The
	// message ID and, when zero, the timestamp are filled in.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// History returns messages in ascending order. A limit <= 0 returns
	// everything, otherwise the most recent limit messages.
	History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// MessageCount returns the number of messages stored for a session.
	MessageCount(ctx context.Context, sessionID string) (int, error)

	// RecentMessageCount returns the number of messages stored since t.
	RecentMessageCount(ctx context.Context, sessionID string, since time.Time) (int, error)

	// TouchSession sets the last activity of a session.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// ClearSession deletes a session and all its messages. It reports
	// whether the session existed.
	ClearSession(ctx context.Context, sessionID string) (bool, error)

	// ListSessions returns sessions ordered by most recent activity.
	ListSessions(ctx context.Context, opts ListOptions) ([]domain.Session, error)

	// Statistics returns aggregate counters.
	Statistics(ctx context.Context) (*Statistics, error)

	// CleanupExpiredSessions deletes sessions idle for longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// LogError appends an entry to the error ledger.
	LogError(ctx context.Context, entry *domain.ErrorLog) error

	// SessionErrors returns the most recent error entries of a session.
	SessionErrors(ctx context.Context, sessionID string, limit int) ([]domain.ErrorLog, error)

	// CleanupErrorLogs removes error entries older than olderThan.
	CleanupErrorLogs(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
