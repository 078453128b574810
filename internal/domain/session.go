package domain

import (
	"regexp"
	"time"
)

// Session ID bounds.
const (
	MinSessionIDLength = 10
	MaxSessionIDLength = 100
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// Session holds per-conversation metadata and cumulative counters.
type Session struct {
	ID                string    `json:"session_id"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	Active            bool      `json:"is_active"`
	MessageCount      int       `json:"message_count"`
	TotalInputTokens  int       `json:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens"`
}

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	if len(id) < MinSessionIDLength || len(id) > MaxSessionIDLength {
		return false
	}
	return sessionIDPattern.MatchString(id)
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// IdleFor returns the time elapsed since the last recorded activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
