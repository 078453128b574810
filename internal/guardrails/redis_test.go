package guardrails

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/google/uuid"
)

// Runs only against a live Redis named by TEST_REDIS_ADDR.
func TestRedisLedgerIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping integration test")
	}

	ledger, err := NewRedisLedger(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisLedger() error = %v", err)
	}
	defer func() { _ = ledger.Close() }()

	ctx := context.Background()
	session := "session-" + uuid.NewString()
	t.Cleanup(func() { _ = ledger.Clear(context.Background(), session) })

	now := time.Now()
	stale := domain.Violation{Type: domain.ViolationOffTopic, Timestamp: now.Add(-25 * time.Hour), Excerpt: "old"}
	fresh := domain.Violation{Type: domain.ViolationShortMessage, Timestamp: now, Excerpt: "ok"}
	for _, v := range []domain.Violation{stale, fresh} {
		if err := ledger.Record(ctx, session, v); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := ledger.Violations(ctx, session)
	if err != nil {
		t.Fatalf("Violations() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Type != domain.ViolationShortMessage {
		t.Fatalf("entries = %+v", entries)
	}

	sessions, err := ledger.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	found := false
	for _, s := range sessions {
		found = found || s == session
	}
	if !found {
		t.Fatalf("session %s not listed", session)
	}
}
