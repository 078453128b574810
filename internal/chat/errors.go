package chat

import (
	"errors"
	"fmt"

	"github.com/ashureev/toolchat/internal/domain"
)

// Kind classifies a failed turn.
type Kind string

// Error kinds.
const (
	KindValidation    Kind = "validation"
	KindTool          Kind = "tool"
	KindLLM           Kind = "llm"
	KindStore         Kind = "store"
	KindOrchestration Kind = "orchestration"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrValidation    = errors.New("validation failed")
	ErrTool          = errors.New("tool failed")
	ErrLLM           = errors.New("response generation failed")
	ErrStore         = errors.New("store failed")
	ErrOrchestration = errors.New("orchestration failed")
)

// ValidationError reports a user message rejected by the guardrails.
// Message is safe to show to the user.
type ValidationError struct {
	Kind      Kind
	Violation domain.ViolationType
	Message   string
}

func (e *ValidationError) Error() string { return e.Message }

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ToolError reports a tool that could not be resolved.
type ToolError struct {
	Kind Kind
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }

func (e *ToolError) Unwrap() error { return e.Err }

// Is matches ErrTool.
func (e *ToolError) Is(target error) bool { return target == ErrTool }

// LLMError reports a failed model call.
type LLMError struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *LLMError) Error() string { return fmt.Sprintf("llm %s: %v", e.Provider, e.Err) }

func (e *LLMError) Unwrap() error { return e.Err }

// Is matches ErrLLM.
func (e *LLMError) Is(target error) bool { return target == ErrLLM }

// StoreError reports a failed history store operation.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// OrchestrationError wraps any other failure of a pipeline step.
type OrchestrationError struct {
	Kind Kind
	Step string
	Err  error
}

func (e *OrchestrationError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Is matches ErrOrchestration.
func (e *OrchestrationError) Is(target error) bool { return target == ErrOrchestration }

func validationError(v domain.ViolationType, msg string) *ValidationError {
	return &ValidationError{Kind: KindValidation, Violation: v, Message: msg}
}

func toolError(tool string, err error) *ToolError {
	return &ToolError{Kind: KindTool, Tool: tool, Err: err}
}

func llmError(provider string, err error) *LLMError {
	return &LLMError{Kind: KindLLM, Provider: provider, Err: err}
}

func storeError(op string, err error) *StoreError {
	return &StoreError{Kind: KindStore, Op: op, Err: err}
}

// KindOf returns the kind of the first typed error in err's chain.
// Unclassified errors report KindOrchestration.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		te *ToolError
		le *LLMError
		se *StoreError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTool
	case errors.As(err, &le):
		return KindLLM
	case errors.As(err, &se):
		return KindStore
	default:
		return KindOrchestration
	}
}
