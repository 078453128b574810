package llm

import (
	"context"
	"strings"
)

// Echo is a deterministic local generator. It answers with the last user
// message and, when present, the tool outcome from the system prompt. It
// exists for development without cloud credentials and for tests.
type Echo struct{}

// NewEcho returns an Echo generator.
func NewEcho() *Echo { return &Echo{} }

// Name implements Generator.
func (*Echo) Name() string { return ProviderEcho }

// Generate implements Generator.
func (*Echo) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	system, dialogue := split(messages)
	var last string
	for i := len(dialogue) - 1; i >= 0; i-- {
		if dialogue[i].Role == RoleUser {
			last = dialogue[i].Content
			break
		}
	}

	var b strings.Builder
	for _, s := range system {
		for _, line := range strings.Split(s, "\n") {
			if strings.HasPrefix(line, "Tool '") {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}
	b.WriteString("You said: ")
	b.WriteString(last)

	content := b.String()
	if params.MaxTokens > 0 {
		if words := strings.Fields(content); len(words) > params.MaxTokens {
			content = strings.Join(words[:params.MaxTokens], " ")
		}
	}
	return &Result{Content: content, StopReason: "end_turn"}, nil
}
