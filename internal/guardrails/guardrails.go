// Package guardrails validates user input and assistant output and keeps
// the per-session violation ledger.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/pattern"
)

// ValidationError rejects a user message. Message is safe to show to the user.
type ValidationError struct {
	Violation domain.ViolationType
	Message   string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Engine applies the guardrail policy. It is safe for concurrent use and
// meant to be shared by all turns of the process.
type Engine struct {
	cfg    config.GuardrailsConfig
	ledger Ledger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. The engine's ledger uses the same
// clock for retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine owning ledger.
func New(cfg config.GuardrailsConfig, ledger Ledger, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if c, ok := ledger.(clockSetter); ok {
		c.setClock(e.now)
	}
	return e
}

// Config returns the policy the engine was built with.
func (e *Engine) Config() config.GuardrailsConfig {
	return e.cfg
}

type input struct {
	sessionID string
	text      string
	trimmed   string
	history   []domain.Message
}

type check func(ctx context.Context, in *input) *ValidationError

// ValidateUserMessage runs the input checks in order and returns text
// unchanged when all pass. The first failing check wins.
func (e *Engine) ValidateUserMessage(ctx context.Context, text, sessionID string, history []domain.Message) (string, error) {
	in := &input{
		sessionID: sessionID,
		text:      text,
		trimmed:   strings.TrimSpace(text),
		history:   history,
	}

	checks := []check{
		e.checkLength,
		e.checkInappropriate,
		e.checkSensitive,
		e.checkTopicality,
		e.checkLimits,
		e.checkRepetition,
		e.checkShortMessages,
	}
	for _, c := range checks {
		if verr := c(ctx, in); verr != nil {
			slog.Info("User message rejected",
				"session_id", sessionID,
				"violation", verr.Violation)
			return "", verr
		}
	}
	return text, nil
}

func (e *Engine) reject(ctx context.Context, in *input, typ domain.ViolationType, msg string) *ValidationError {
	e.record(ctx, in.sessionID, typ, in.text)
	return &ValidationError{Violation: typ, Message: msg}
}

func (e *Engine) record(ctx context.Context, sessionID string, typ domain.ViolationType, text string) {
	v := domain.Violation{Type: typ, Timestamp: e.now(), Excerpt: domain.Excerpt(text)}
	if err := e.ledger.Record(ctx, sessionID, v); err != nil {
		slog.Warn("Failed to record violation", "session_id", sessionID, "violation", typ, "error", err)
	}
}

func (e *Engine) checkLength(ctx context.Context, in *input) *ValidationError {
	if utf8.RuneCountInString(in.text) > e.cfg.MaxInputLength {
		return e.reject(ctx, in, domain.ViolationMessageTooLong, fmt.Sprintf(msgTooLong, e.cfg.MaxInputLength))
	}
	if in.trimmed == "" {
		return &ValidationError{Violation: domain.ViolationEmptyMessage, Message: msgEmpty}
	}
	return nil
}

func (e *Engine) checkInappropriate(ctx context.Context, in *input) *ValidationError {
	if !e.cfg.ContentFilterEnabled || !inappropriatePatterns.Match(in.text) {
		return nil
	}
	return e.reject(ctx, in, domain.ViolationInappropriate, msgInappropriate)
}

func (e *Engine) checkSensitive(ctx context.Context, in *input) *ValidationError {
	if !sensitivePatterns.Match(in.text) {
		return nil
	}
	return e.reject(ctx, in, domain.ViolationSensitiveInfo, msgSensitive)
}

func (e *Engine) checkTopicality(ctx context.Context, in *input) *ValidationError {
	if e.cfg.EnableGeneralChat {
		return nil
	}
	if toolKeywords.Match(in.text) || courtesyPatterns.Match(in.text) || hasToolContext(in.history) {
		return nil
	}
	if offTopicPatterns.Match(in.text) || pattern.WordCount(in.text) > e.cfg.OffTopicWordLimit {
		return e.reject(ctx, in, domain.ViolationOffTopic, msgOffTopic)
	}
	return nil
}

// hasToolContext reports whether a recent assistant message was about a tool.
func hasToolContext(history []domain.Message) bool {
	for _, m := range domain.LastN(history, toolContextWindow) {
		if m.IsAssistant() && pattern.ContainsAny(m.Content, toolContextWords) {
			return true
		}
	}
	return false
}

func (e *Engine) checkLimits(ctx context.Context, in *input) *ValidationError {
	if len(in.history) >= e.cfg.MaxConversationLength {
		return e.reject(ctx, in, domain.ViolationConversationTooLong,
			fmt.Sprintf(msgTooManyTurns, e.cfg.MaxConversationLength))
	}
	if len(in.history) > 0 {
		age := e.now().Sub(in.history[0].Timestamp)
		if age >= e.cfg.SessionTimeout() {
			return e.reject(ctx, in, domain.ViolationSessionTimeout, msgExpired)
		}
	}
	return nil
}

func (e *Engine) checkRepetition(ctx context.Context, in *input) *ValidationError {
	current := strings.ToLower(in.trimmed)

	duplicates := 1
	similar := 0
	for _, m := range domain.LastN(in.history, repetitionWindow) {
		if !m.IsUser() {
			continue
		}
		prior := strings.ToLower(strings.TrimSpace(m.Content))
		if prior == current {
			duplicates++
		}
		if pattern.Similarity(prior, current) > similarityThreshold {
			similar++
		}
	}

	if duplicates >= duplicateThreshold {
		return e.reject(ctx, in, domain.ViolationRepetitive, msgDuplicate)
	}
	if similar >= similarThreshold {
		return e.reject(ctx, in, domain.ViolationRepetitive, msgSimilar)
	}
	return nil
}

func (e *Engine) checkShortMessages(ctx context.Context, in *input) *ValidationError {
	if utf8.RuneCountInString(in.trimmed) > shortMessageLength {
		return nil
	}

	recent, err := e.countRecent(ctx, in.sessionID, domain.ViolationShortMessage, shortMessageWindow)
	if err != nil {
		slog.Warn("Failed to read violation ledger", "session_id", in.sessionID, "error", err)
	}
	if recent >= shortMessageLimit {
		return e.reject(ctx, in, domain.ViolationBotPattern, msgBotPattern)
	}
	e.record(ctx, in.sessionID, domain.ViolationShortMessage, in.text)
	return nil
}

func (e *Engine) countRecent(ctx context.Context, sessionID string, typ domain.ViolationType, window time.Duration) (int, error) {
	entries, err := e.ledger.Violations(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-window)
	n := 0
	for _, v := range entries {
		if v.Type == typ && !v.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ValidateAIResponse applies the output checks. It never fails: overlong
// responses are truncated and everything else is only logged.
func (e *Engine) ValidateAIResponse(_ context.Context, text, userText, sessionID string) string {
	if utf8.RuneCountInString(text) > maxResponseLength {
		r := []rune(text)
		text = string(r[:truncatedLength]) + truncationSuffix
		slog.Warn("AI response truncated", "session_id", sessionID, "original_length", len(r))
	}

	if n := negativePatterns.Count(text); n > negativeMatchLimit {
		slog.Warn("AI response contains many negative phrases", "session_id", sessionID, "matches", n)
	}
	if leaks := systemLeakPatterns.Matching(text); len(leaks) > 0 {
		slog.Warn("AI response may expose system details", "session_id", sessionID, "patterns", leaks)
	}
	if isGeneric(text) {
		slog.Info("AI response looks generic",
			"session_id", sessionID,
			"user_message_length", len(userText))
	}
	return text
}

func isGeneric(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, g := range genericResponses {
		if strings.HasPrefix(lower, g) && len(lower) < len(g)+20 {
			return true
		}
	}
	return false
}
