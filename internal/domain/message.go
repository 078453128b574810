package domain

import "time"

// Role identifies the author of a message.
type Role string

// Message roles. System messages are never persisted.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single persisted turn half.
type Message struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ToolName     string    `json:"tool_name,omitempty"`
}

// IsUser reports whether the message was written by the user.
func (m Message) IsUser() bool { return m.Role == RoleUser }

// IsAssistant reports whether the message was produced by the assistant.
func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }

// LastN returns the trailing n messages of history.
func LastN(history []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}

// LastAssistant returns the most recent assistant message, if any.
func LastAssistant(history []Message) (Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsAssistant() {
			return history[i], true
		}
	}
	return Message{}, false
}
