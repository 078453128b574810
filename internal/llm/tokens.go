package llm

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken is the average token width of English text.
const charsPerToken = 4

// TokenCounter counts the tokens of a text.
type TokenCounter func(text string) int

// ApproximateTokens estimates the token count of text as the larger of its
// word count and its rune count divided by four.
func ApproximateTokens(text string) int {
	if text == "" {
		return 0
	}
	byChars := (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
	return max(byChars, len(strings.Fields(text)))
}

// FormatForCounting renders messages as "role: content" lines, the form the
// input token count is taken over.
func FormatForCounting(messages []Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = string(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}
