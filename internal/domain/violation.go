package domain

import "time"

// ViolationType tags the guardrail that rejected or flagged a message.
type ViolationType string

// Known violation types.
const (
	ViolationEmptyMessage        ViolationType = "empty_message"
	ViolationMessageTooLong      ViolationType = "message_too_long"
	ViolationInappropriate       ViolationType = "inappropriate_content"
	ViolationSensitiveInfo       ViolationType = "sensitive_information"
	ViolationOffTopic            ViolationType = "off_topic"
	ViolationConversationTooLong ViolationType = "conversation_too_long"
	ViolationSessionTimeout      ViolationType = "session_timeout"
	ViolationRepetitive          ViolationType = "repetitive_content"
	ViolationShortMessage        ViolationType = "short_message"
	ViolationBotPattern          ViolationType = "bot_pattern"
)

// ViolationExcerptLength caps the stored context excerpt.
const ViolationExcerptLength = 100

// Violation is one entry of a session's rolling guardrail ledger.
type Violation struct {
	Type      ViolationType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Excerpt   string        `json:"excerpt"`
}

// Excerpt trims text to the stored excerpt length.
func Excerpt(text string) string {
	r := []rune(text)
	if len(r) <= ViolationExcerptLength {
		return text
	}
	return string(r[:ViolationExcerptLength])
}
