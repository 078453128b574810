package guardrails

import (
	"time"

	"github.com/ashureev/toolchat/internal/pattern"
)

var (
	inappropriatePatterns = pattern.NewGroup("inappropriate",
		`\b(?:spam|test|abuse|harmful)\b`,
		`\b(?:hack|exploit|bypass)\b`,
		`\b(?:illegal|fraud|scam)\b`,
	)

	sensitivePatterns = pattern.NewGroup("sensitive",
		`\b(?:\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4})\b`,
		`\b(?:\d{3}[-\s]?\d{2}[-\s]?\d{4})\b`,
		`\b(?:[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})\b`,
	)

	toolKeywords = pattern.NewGroup("tool_keywords",
		`\b(?:delivery|tracking|shipment|package)\b`,
		`\b(?:order|track|status|update)\b`,
		`\b(?:help|assist|support|service)\b`,
	)

	courtesyPatterns = pattern.NewGroup("courtesy",
		`\b(?:hello|hi|hey|thanks|thank you|please|help)\b`,
		`\b(?:good morning|good afternoon|good evening)\b`,
	)

	offTopicPatterns = pattern.NewGroup("off_topic",
		`\b(?:weather|sports|politics|entertainment)\b`,
		`\b(?:recipe|cooking|travel|music)\b`,
		`\b(?:joke|story|poem|creative)\b`,
		`\b(?:personal|relationship|advice)\b`,
	)

	// The output checks match anywhere in the text, word boundaries or not.
	negativePatterns = pattern.NewGroup("negative",
		`I cannot|I can't|I don't know`,
		`error|failed|broken`,
		`admin|system|debug|internal`,
	)

	systemLeakPatterns = pattern.NewGroup("system_leak",
		`database|sql|query`,
		`server|host|port|endpoint`,
		`api key|token|secret|password`,
		`config|configuration|settings`,
		`internal|backend|infrastructure`,
	)
)

// toolContextWords mark an assistant message as part of a tool exchange.
var toolContextWords = []string{
	"delivery", "tracking", "shipment", "package", "status", "update", "track", "order",
}

// genericResponses are non-answers flagged on output.
var genericResponses = []string{
	"i understand", "that's interesting", "i see", "okay", "alright",
}

// User-facing rejection messages.
const (
	msgEmpty         = "Message cannot be empty."
	msgTooLong       = "Message too long. Maximum %d characters allowed."
	msgInappropriate = "Your message contains inappropriate content. Please rephrase your request."
	msgSensitive     = "Please don't share sensitive information like credit card numbers, social security numbers, or email addresses. I can help you without this information."
	msgOffTopic      = "I can only help with delivery tracking and related services. Please ask about tracking a delivery or shipment status."
	msgTooManyTurns  = "Conversation limit of %d messages reached. Please start a new conversation to continue."
	msgExpired       = "Your session has expired due to inactivity. Please start a new conversation."
	msgDuplicate     = "Please don't repeat the same message. If you need help, try rephrasing your request or ask a different question."
	msgSimilar       = "Your recent messages are very similar. Please try a different approach or ask a new question if you need additional help."
	msgBotPattern    = "Please provide more detailed messages to help me assist you better."
)

// Policy constants of the heuristics.
const (
	toolContextWindow   = 6
	repetitionWindow    = 5
	duplicateThreshold  = 2
	similarityThreshold = 0.8
	similarThreshold    = 3
	shortMessageLength  = 2
	shortMessageWindow  = 5 * time.Minute
	shortMessageLimit   = 3
	maxResponseLength   = 5000
	truncatedLength     = 4800
	truncationSuffix    = "... [Response truncated for length]"
	negativeMatchLimit  = 2
)

// Retention is how long violations stay in a session's ledger.
const Retention = 24 * time.Hour
