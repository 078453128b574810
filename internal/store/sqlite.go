package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	backoff shared.Backoff
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas are applied by the driver on every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, backoff: shared.DefaultBackoff}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		message_count INTEGER NOT NULL DEFAULT 0,
		total_input_tokens INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		tool_name TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp, id);

	CREATE TABLE IF NOT EXISTS error_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		request_id TEXT,
		error_type TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_error_logs_session ON error_logs(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// retry runs fn with exponential backoff on SQLITE_BUSY and "database is
// locked" errors.
func (s *SQLiteStore) retry(ctx context.Context, op string, fn func() error) error {
	err := shared.Retry(ctx, s.backoff, op, shared.IsSQLiteConflictError, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, created_at, last_activity, is_active,
	message_count, total_input_tokens, total_output_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var createdAt, lastActivity int64
	if err := row.Scan(
		&sess.ID, &createdAt, &lastActivity, &sess.Active,
		&sess.MessageCount, &sess.TotalInputTokens, &sess.TotalOutputTokens,
	); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivity = time.Unix(lastActivity, 0)
	return &sess, nil
}

// GetOrCreateSession returns the session, creating it on first use.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	now := time.Now().Unix()
	err := s.retry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, created_at, last_activity, is_active)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(session_id) DO NOTHING`,
			sessionID, now, now,
		)
		return err
	})
	if err != nil {
		return nil, err
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
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// AppendMessage stores msg and updates the session counters atomically.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var id, stamped int64
	err := s.retry(ctx, "append message", func() error {
		var err error
		id, stamped, err = s.appendMessageOnce(ctx, msg, ts.Unix())
		return err
	})
	if err != nil {
		return err
	}

	msg.ID = id
	msg.Timestamp = time.Unix(stamped, 0)
	return nil
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *domain.Message, ts int64) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, created_at, last_activity, is_active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(session_id) DO NOTHING`,
		msg.SessionID, ts, ts,
	); err != nil {
		return 0, 0, fmt.Errorf("ensure session: %w", err)
	}

	// Timestamps within a session never go backwards.
	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(timestamp), 0) FROM messages WHERE session_id = ?`, msg.SessionID,
	).Scan(&latest); err != nil {
		return 0, 0, fmt.Errorf("latest timestamp: %w", err)
	}
	if ts < latest {
		ts = latest
	}

	var toolName any
	if msg.ToolName != "" {
		toolName = msg.ToolName
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, timestamp, input_tokens, output_tokens, tool_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, ts, msg.InputTokens, msg.OutputTokens, toolName,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = message_count + 1,
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			last_activity = MAX(last_activity, ?),
			is_active = 1
		WHERE session_id = ?`,
		msg.InputTokens, msg.OutputTokens, ts, msg.SessionID,
	); err != nil {
		return 0, 0, fmt.Errorf("update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return id, ts, nil
}

// History returns messages in ascending order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, session_id, role, content, timestamp, input_tokens, output_tokens, tool_name
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
		SELECT * FROM (
			SELECT id, session_id, role, content, timestamp, input_tokens, output_tokens, tool_name
			FROM messages WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var history []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var ts int64
		var toolName sql.NullString
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &role, &msg.Content, &ts,
			&msg.InputTokens, &msg.OutputTokens, &toolName,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.Timestamp = time.Unix(ts, 0)
		msg.ToolName = toolName.String
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// MessageCount returns the number of messages stored for a session.
func (s *SQLiteStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RecentMessageCount returns the number of messages stored since t.
func (s *SQLiteStore) RecentMessageCount(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND timestamp >= ?`,
		sessionID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent messages: %w", err)
	}
	return n, nil
}

// TouchSession sets the last activity of a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.retry(ctx, "touch session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = ?, is_active = 1 WHERE session_id = ?`,
			at.Unix(), sessionID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("TouchSession affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// ClearSession deletes a session and all its messages.
func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	var existed bool
	err := s.retry(ctx, "clear session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		existed = n > 0
		return nil
	})
	return existed, err
}

// ListSessions returns sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if opts.ActiveOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY last_activity DESC, session_id ASC`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Statistics returns aggregate counters.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	var st Statistics
	since := time.Now().Add(-24 * time.Hour).Unix()

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(total_input_tokens), 0),
		       COALESCE(SUM(total_output_tokens), 0),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM sessions`, since,
	).Scan(&st.TotalSessions, &st.ActiveSessions, &st.TotalInputTokens, &st.TotalOutputTokens, &st.Sessions24h)
	if err != nil {
		return nil, fmt.Errorf("session statistics: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0)
		FROM messages`, since,
	).Scan(&st.TotalMessages, &st.Messages24h)
	if err != nil {
		return nil, fmt.Errorf("message statistics: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_logs WHERE created_at >= ?`, since,
	).Scan(&st.Errors24h)
	if err != nil {
		return nil, fmt.Errorf("error statistics: %w", err)
	}
	return &st, nil
}

// CleanupExpiredSessions deletes sessions idle for longer than ttl along
// with their messages.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64
	err := s.retry(ctx, "cleanup expired sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id IN (
				SELECT session_id FROM sessions WHERE last_activity < ?
			)`, threshold); err != nil {
			return fmt.Errorf("delete expired messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		deleted = n
		return nil
	})
	return deleted, err
}

// LogError appends an entry to the error ledger.
func (s *SQLiteStore) LogError(ctx context.Context, entry *domain.ErrorLog) error {
	prepareErrorLog(entry)
	return s.retry(ctx, "log error", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO error_logs (id, session_id, request_id, error_type, message, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.SessionID, entry.RequestID, entry.ErrorType,
			entry.Message, entry.Detail, entry.CreatedAt.Unix(),
		)
		return err
	})
}

// SessionErrors returns the most recent error entries of a session.
func (s *SQLiteStore) SessionErrors(ctx context.Context, sessionID string, limit int) ([]domain.ErrorLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, request_id, error_type, message, detail, created_at
		FROM error_logs WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query error logs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close error log rows", "error", closeErr)
		}
	}()

	var entries []domain.ErrorLog
	for rows.Next() {
		var e domain.ErrorLog
		var requestID, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &requestID, &e.ErrorType, &e.Message, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error log row: %w", err)
		}
		e.RequestID = requestID.String
		e.Detail = detail.String
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error logs: %w", err)
	}
	return entries, nil
}

// CleanupErrorLogs removes error entries older than olderThan.
func (s *SQLiteStore) CleanupErrorLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	var deleted int64
	err := s.retry(ctx, "cleanup error logs", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM error_logs WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
