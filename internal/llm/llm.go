// Package llm generates assistant responses through pluggable model
// providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ashureev/toolchat/internal/config"
)

// Role is the author of a model message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the model context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters of a request.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// ParamsFromConfig returns the configured sampling parameters.
func ParamsFromConfig(cfg config.LLMConfig) Params {
	return Params{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, TopP: cfg.TopP}
}

// Result is a generated response. Token counts are the provider's own when
// it reports them, zero otherwise.
type Result struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Generator produces an assistant message from a conversation.
type Generator interface {
	Name() string
	Generate(ctx context.Context, messages []Message, params Params) (*Result, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

// Provider error kinds.
const (
	KindThrottled      ErrorKind = "throttled"
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "unavailable"
	KindUnknown        ErrorKind = "unknown"
)

// ProviderError is a failed provider call.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later may succeed.
func (e *ProviderError) Temporary() bool {
	return e.Kind == KindThrottled || e.Kind == KindUnavailable
}

// ErrNoMessages is returned for an empty conversation.
var ErrNoMessages = errors.New("messages cannot be empty")

// ErrUnknownProvider is returned by New for an unregistered provider name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Provider names.
const (
	ProviderAmazonNova = "amazon_nova"
	ProviderGPTOSS     = "gpt_oss"
	ProviderAnthropic  = "anthropic"
	ProviderEcho       = "echo"
)

type factory func(cfg config.LLMConfig) (Generator, error)

var providers = map[string]factory{
	ProviderAmazonNova: func(cfg config.LLMConfig) (Generator, error) { return NewBedrockFromConfig(cfg) },
	ProviderGPTOSS:     func(cfg config.LLMConfig) (Generator, error) { return NewOpenAIFromConfig(cfg) },
	ProviderAnthropic:  func(cfg config.LLMConfig) (Generator, error) { return NewAnthropicFromConfig(cfg) },
	ProviderEcho:       func(config.LLMConfig) (Generator, error) { return NewEcho(), nil },
}

// Providers returns the registered provider names.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves the configured provider and wraps it in a rate limiter when
// cfg.RequestsPerMinute is positive.
func New(cfg config.LLMConfig) (Generator, error) {
	f, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w %q, available: %s", ErrUnknownProvider, cfg.Provider, strings.Join(Providers(), ", "))
	}
	g, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize %s provider: %w", cfg.Provider, err)
	}
	if cfg.RequestsPerMinute > 0 {
		g = NewRateLimited(g, cfg.RequestsPerMinute)
	}
	return g, nil
}

func validate(messages []Message) error {
	if len(messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// split separates system prompts from the dialogue.
func split(messages []Message) (system []string, dialogue []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		dialogue = append(dialogue, m)
	}
	return system, dialogue
}

// kindFromStatus maps an HTTP status to an error kind.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status >= http.StatusInternalServerError:
		return KindUnavailable
	default:
		return KindUnknown
	}
}
