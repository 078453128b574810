package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Repository on PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPostgres connects to databaseURL and applies pending migrations.
func NewPostgres(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

const pgSessionColumns = `session_id, created_at, last_activity, is_active,
	message_count, total_input_tokens, total_output_tokens`

func scanPGSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	if err := row.Scan(
		&sess.ID, &sess.CreatedAt, &sess.LastActivity, &sess.Active,
		&sess.MessageCount, &sess.TotalInputTokens, &sess.TotalOutputTokens,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetOrCreateSession returns the session, creating it on first use.
func (s *PGStore) GetOrCreateSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO chat_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s vanished after create", sessionID)
	}
	return sess, nil
}

// GetSession returns the session or nil, nil when it does not exist.
func (s *PGStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := scanPGSession(s.db.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM chat_sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// AppendMessage stores msg and updates the session counters atomically.
func (s *PGStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append message: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, created_at, last_activity)
		VALUES ($1, $2, $2) ON CONFLICT (session_id) DO NOTHING`,
		msg.SessionID, ts,
	); err != nil {
		return fmt.Errorf("append message: ensure session: %w", err)
	}

	// Row lock serializes appends to the same session.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM chat_sessions WHERE session_id = $1 FOR UPDATE`, msg.SessionID,
	); err != nil {
		return fmt.Errorf("append message: lock session: %w", err)
	}

	var latest *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM chat_messages WHERE session_id = $1`, msg.SessionID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("append message: latest timestamp: %w", err)
	}
	if latest != nil && ts.Before(*latest) {
		ts = *latest
	}

	var toolName *string
	if msg.ToolName != "" {
		toolName = &msg.ToolName
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO chat_messages (session_id, role, content, created_at, input_tokens, output_tokens, tool_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		msg.SessionID, string(msg.Role), msg.Content, ts, msg.InputTokens, msg.OutputTokens, toolName,
	).Scan(&id); err != nil {
		return fmt.Errorf("append message: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chat_sessions SET
			message_count = message_count + 1,
			total_input_tokens = total_input_tokens + $2,
			total_output_tokens = total_output_tokens + $3,
			last_activity = GREATEST(last_activity, $4),
			is_active = TRUE
		WHERE session_id = $1`,
		msg.SessionID, msg.InputTokens, msg.OutputTokens, ts,
	); err != nil {
		return fmt.Errorf("append message: update counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append message: commit: %w", err)
	}

	msg.ID = id
	msg.Timestamp = ts
	return nil
}

// History returns messages in ascending order.
func (s *PGStore) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, created_at, input_tokens, output_tokens, tool_name
		FROM chat_messages WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
		SELECT * FROM (
			SELECT id, session_id, role, content, created_at, input_tokens, output_tokens, tool_name
			FROM chat_messages WHERE session_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var toolName *string
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Timestamp,
			&msg.InputTokens, &msg.OutputTokens, &toolName,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if toolName != nil {
			msg.ToolName = *toolName
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

// MessageCount returns the number of messages stored for a session.
func (s *PGStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RecentMessageCount returns the number of messages stored since t.
func (s *PGStore) RecentMessageCount(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1 AND created_at >= $2`,
		sessionID, since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent messages: %w", err)
	}
	return n, nil
}

// TouchSession sets the last activity of a session.
func (s *PGStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE chat_sessions SET last_activity = $2, is_active = TRUE WHERE session_id = $1`,
		sessionID, at,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ClearSession deletes a session; its messages cascade.
func (s *PGStore) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM chat_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *PGStore) ListSessions(ctx context.Context, opts ListOptions) ([]domain.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM chat_sessions`
	if opts.ActiveOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY last_activity DESC, session_id ASC OFFSET $1`
	args := []any{max(opts.Offset, 0)}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// Statistics returns aggregate counters.
func (s *PGStore) Statistics(ctx context.Context) (*Statistics, error) {
	var st Statistics
	since := time.Now().Add(-24 * time.Hour)

	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active),
		       COALESCE(SUM(total_input_tokens), 0),
		       COALESCE(SUM(total_output_tokens), 0),
		       COUNT(*) FILTER (WHERE created_at >= $1)
		FROM chat_sessions`, since,
	).Scan(&st.TotalSessions, &st.ActiveSessions, &st.TotalInputTokens, &st.TotalOutputTokens, &st.Sessions24h); err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}

	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE created_at >= $1) FROM chat_messages`, since,
	).Scan(&st.TotalMessages, &st.Messages24h); err != nil {
		return nil, fmt.Errorf("message statistics: %w", err)
	}

	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_error_logs WHERE created_at >= $1`, since,
	).Scan(&st.Errors24h); err != nil {
		return nil, fmt.Errorf("error statistics: %w", err)
	}
	return &st, nil
}

// CleanupExpiredSessions deletes sessions idle for longer than ttl.
func (s *PGStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM chat_sessions WHERE last_activity < $1`, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LogError appends an entry to the error ledger.
func (s *PGStore) LogError(ctx context.Context, entry *domain.ErrorLog) error {
	prepareErrorLog(entry)
	if _, err := s.db.Exec(ctx, `
		INSERT INTO chat_error_logs (id, session_id, request_id, error_type, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.SessionID, entry.RequestID, entry.ErrorType,
		entry.Message, entry.Detail, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("log error: %w", err)
	}
	return nil
}

// SessionErrors returns the most recent error entries of a session.
func (s *PGStore) SessionErrors(ctx context.Context, sessionID string, limit int) ([]domain.ErrorLog, error) {
	query := `
		SELECT id, session_id, COALESCE(request_id, ''), error_type, message, COALESCE(detail, ''), created_at
		FROM chat_error_logs WHERE session_id = $1
		ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.ErrorLog
	for rows.Next() {
		var e domain.ErrorLog
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RequestID, &e.ErrorType, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupErrorLogs removes error entries older than olderThan.
func (s *PGStore) CleanupErrorLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM chat_error_logs WHERE created_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup error logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
