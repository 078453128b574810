package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteAppliesPragmas(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query error = %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout query error = %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", timeout)
	}

	var syncMode int
	if err := s.db.QueryRow("PRAGMA synchronous").Scan(&syncMode); err != nil {
		t.Fatalf("synchronous query error = %v", err)
	}
	if syncMode != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", syncMode)
	}
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateSession(ctx, "session-0001")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	second, err := s.GetOrCreateSession(ctx, "session-0001")
	if err != nil {
		t.Fatalf("GetOrCreateSession() second error = %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("created_at changed: %v vs %v", first.CreatedAt, second.CreatedAt)
	}

	sessions, err := s.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	sess, err := s.GetSession(context.Background(), "nobody-here")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess != nil {
		t.Fatalf("GetSession() = %+v, want nil", sess)
	}
}

func TestAppendMessageUpdatesCounters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	id := "session-0002"

	if _, err := s.GetOrCreateSession(ctx, id); err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}

	user := &domain.Message{SessionID: id, Role: domain.RoleUser, Content: "where is my parcel"}
	if err := s.AppendMessage(ctx, user); err != nil {
		t.Fatalf("AppendMessage(user) error = %v", err)
	}
	reply := &domain.Message{
		SessionID: id, Role: domain.RoleAssistant, Content: "It is on the way.",
		InputTokens: 42, OutputTokens: 7, ToolName: "delivery_tracker",
	}
	if err := s.AppendMessage(ctx, reply); err != nil {
		t.Fatalf("AppendMessage(assistant) error = %v", err)
	}
	if user.ID == 0 || reply.ID <= user.ID {
		t.Fatalf("ids not assigned in order: %d, %d", user.ID, reply.ID)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil || sess == nil {
		t.Fatalf("GetSession() = %v, %v", sess, err)
	}
	if sess.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", sess.MessageCount)
	}
	if sess.TotalInputTokens != 42 || sess.TotalOutputTokens != 7 {
		t.Fatalf("token totals = %d/%d, want 42/7", sess.TotalInputTokens, sess.TotalOutputTokens)
	}

	history, err := s.History(ctx, id, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d, want 2", len(history))
	}
	if history[0].Role != domain.RoleUser || history[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected order: %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].ToolName != "delivery_tracker" {
		t.Fatalf("ToolName = %q", history[1].ToolName)
	}
	if history[0].ToolName != "" {
		t.Fatalf("user ToolName = %q, want empty", history[0].ToolName)
	}
}

func TestHistoryLimitReturnsMostRecentAscending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	id := "session-0003"

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := s.AppendMessage(ctx, &domain.Message{SessionID: id, Role: domain.RoleUser, Content: text}); err != nil {
			t.Fatalf("AppendMessage(%s) error = %v", text, err)
		}
	}

	history, err := s.History(ctx, id, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Content != "three" || history[1].Content != "four" {
		t.Fatalf("History(2) = %+v", history)
	}
}

func TestAppendMessageKeepsTimestampsMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	id := "session-0004"

	now := time.Now()
	if err := s.AppendMessage(ctx, &domain.Message{SessionID: id, Role: domain.RoleUser, Content: "later", Timestamp: now}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	early := &domain.Message{SessionID: id, Role: domain.RoleAssistant, Content: "earlier", Timestamp: now.Add(-time.Hour)}
	if err := s.AppendMessage(ctx, early); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if early.Timestamp.Unix() != now.Unix() {
		t.Fatalf("timestamp = %v, want clamped to %v", early.Timestamp, now)
	}
}

func TestClearSessionDeletesMessages(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	id := "session-0005"

	if err := s.AppendMessage(ctx, &domain.Message{SessionID: id, Role: domain.RoleUser, Content: "hello there"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	existed, err := s.ClearSession(ctx, id)
	if err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if !existed {
		t.Fatal("ClearSession() reported missing session")
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess != nil {
		t.Fatal("session still present after clear")
	}
	history, err := s.History(ctx, id, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history = %d messages, want 0", len(history))
	}

	existed, err = s.ClearSession(ctx, id)
	if err != nil {
		t.Fatalf("second ClearSession() error = %v", err)
	}
	if existed {
		t.Fatal("second ClearSession() reported existing session")
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateSession(ctx, "session-stale"); err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if err := s.TouchSession(ctx, "session-stale", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("TouchSession() error = %v", err)
	}
	if _, err := s.GetOrCreateSession(ctx, "session-fresh"); err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}

	n, err := s.CleanupExpiredSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if sess, _ := s.GetSession(ctx, "session-fresh"); sess == nil {
		t.Fatal("fresh session removed")
	}
}

func TestErrorLogRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	entry := &domain.ErrorLog{SessionID: "session-0006", RequestID: "req-1", ErrorType: "llm", Message: "provider down"}
	if err := s.LogError(ctx, entry); err != nil {
		t.Fatalf("LogError() error = %v", err)
	}
	if entry.ID == "" {
		t.Fatal("LogError() did not assign an id")
	}

	entries, err := s.SessionErrors(ctx, "session-0006", 10)
	if err != nil {
		t.Fatalf("SessionErrors() error = %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-1" || entries[0].ErrorType != "llm" {
		t.Fatalf("SessionErrors() = %+v", entries)
	}

	st, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if st.Errors24h != 1 {
		t.Fatalf("Errors24h = %d, want 1", st.Errors24h)
	}
}
