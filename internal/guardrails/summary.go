package guardrails

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashureev/toolchat/internal/domain"
)

// Summary aggregates the ledger across sessions.
type Summary struct {
	TotalViolations        int                          `json:"total_violations"`
	ViolationTypes         map[domain.ViolationType]int `json:"violation_types"`
	SessionsWithViolations int                          `json:"sessions_with_violations"`
	MostCommonViolation    domain.ViolationType         `json:"most_common_violation,omitempty"`
}

// SessionViolations returns a session's violations within the retention window.
func (e *Engine) SessionViolations(ctx context.Context, sessionID string) ([]domain.Violation, error) {
	return e.ledger.Violations(ctx, sessionID)
}

// ClearSessionViolations drops a session's ledger.
func (e *Engine) ClearSessionViolations(ctx context.Context, sessionID string) error {
	return e.ledger.Clear(ctx, sessionID)
}

// ViolationSummary counts violations per type over all tracked sessions.
func (e *Engine) ViolationSummary(ctx context.Context) (*Summary, error) {
	sessions, err := e.ledger.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger sessions: %w", err)
	}

	s := &Summary{ViolationTypes: make(map[domain.ViolationType]int)}
	for _, id := range sessions {
		entries, err := e.ledger.Violations(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read ledger for %s: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}
		s.SessionsWithViolations++
		for _, v := range entries {
			s.TotalViolations++
			s.ViolationTypes[v.Type]++
		}
	}

	// Ties resolve alphabetically so the summary is stable.
	types := make([]domain.ViolationType, 0, len(s.ViolationTypes))
	for t := range s.ViolationTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	best := 0
	for _, t := range types {
		if n := s.ViolationTypes[t]; n > best {
			best, s.MostCommonViolation = n, t
		}
	}
	return s, nil
}
