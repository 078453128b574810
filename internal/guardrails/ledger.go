package guardrails

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Ledger is the per-session rolling record of guardrail violations.
// Implementations never return entries older than Retention.
type Ledger interface {
	Record(ctx context.Context, sessionID string, v domain.Violation) error
	Violations(ctx context.Context, sessionID string) ([]domain.Violation, error)
	Clear(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// clockSetter is implemented by ledgers that prune against a clock, so the
// engine can share its own time source with them.
type clockSetter interface {
	setClock(now func() time.Time)
}

// DefaultLedgerCapacity bounds the number of sessions tracked in memory.
const DefaultLedgerCapacity = 10000

// MemoryLedger keeps violations in a bounded LRU whose entries expire
// after Retention without writes.
type MemoryLedger struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, []domain.Violation]
	now     func() time.Time
}

// NewMemoryLedger creates a ledger tracking at most capacity sessions.
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &MemoryLedger{
		entries: expirable.NewLRU[string, []domain.Violation](capacity, nil, Retention),
		now:     time.Now,
	}
}

func (l *MemoryLedger) setClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Record appends v after pruning the session's entries to the retention window.
func (l *MemoryLedger) Record(_ context.Context, sessionID string, v domain.Violation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, _ := l.entries.Get(sessionID)
	kept := prune(current, l.now().Add(-Retention))
	l.entries.Add(sessionID, append(kept, v))
	return nil
}

// Violations returns the session's entries within the retention window.
func (l *MemoryLedger) Violations(_ context.Context, sessionID string) ([]domain.Violation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries.Get(sessionID)
	if !ok {
		return nil, nil
	}
	return prune(current, l.now().Add(-Retention)), nil
}

// Clear forgets a session.
func (l *MemoryLedger) Clear(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Remove(sessionID)
	return nil
}

// Sessions lists the sessions currently holding entries.
func (l *MemoryLedger) Sessions(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Keys(), nil
}

// prune returns a fresh slice holding the entries at or after cutoff.
func prune(entries []domain.Violation, cutoff time.Time) []domain.Violation {
	out := make([]domain.Violation, 0, len(entries)+1)
	for _, v := range entries {
		if !v.Timestamp.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}
