package flow

import (
	"math"
	"sort"

	"github.com/ashureev/toolchat/internal/domain"
)

// Conversation statuses reported by Status.
const (
	StatusEmpty             = "empty"
	StatusCompletedByUser   = "completed_by_user"
	StatusAwaitingResponse  = "awaiting_response"
	StatusAwaitingUserInput = "awaiting_user_input"
	StatusOngoing           = "conversation_ongoing"
)

// Summary describes a whole conversation.
type Summary struct {
	TotalMessages   int      `json:"total_messages"`
	UserMessages    int      `json:"user_messages"`
	AIMessages      int      `json:"ai_messages"`
	ToolsUsed       []string `json:"tools_used"`
	DurationMinutes float64  `json:"duration_minutes"`
	Status          string   `json:"status"`
}

// Summary reports message counts, tools and duration of history.
func (a *Analyzer) Summary(history []domain.Message) Summary {
	s := Summary{ToolsUsed: []string{}, Status: a.Status(history)}
	if len(history) == 0 {
		return s
	}

	tools := make(map[string]struct{})
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			s.UserMessages++
		case domain.RoleAssistant:
			s.AIMessages++
			if m.ToolName != "" {
				tools[m.ToolName] = struct{}{}
			}
		}
	}
	for name := range tools {
		s.ToolsUsed = append(s.ToolsUsed, name)
	}
	sort.Strings(s.ToolsUsed)

	s.TotalMessages = len(history)
	if len(history) > 1 {
		minutes := history[len(history)-1].Timestamp.Sub(history[0].Timestamp).Minutes()
		s.DurationMinutes = math.Round(minutes*100) / 100
	}
	return s
}

// Status reports where the conversation stands from its last message.
func (a *Analyzer) Status(history []domain.Message) string {
	if len(history) == 0 {
		return StatusEmpty
	}
	last := history[len(history)-1]
	if last.IsUser() {
		if a.shouldComplete(history, last.Content) {
			return StatusCompletedByUser
		}
		return StatusAwaitingResponse
	}
	if _, ok := findSolicitation(last.Content); ok {
		return StatusAwaitingUserInput
	}
	return StatusOngoing
}
