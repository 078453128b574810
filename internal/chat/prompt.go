package chat

import (
	"fmt"
	"strings"

	"github.com/ashureev/toolchat/internal/detect"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/llm"
	"github.com/ashureev/toolchat/internal/tools"
)

// HistoryWindow is the number of past messages sent to the model.
const HistoryWindow = 10

const (
	persona = "You are an AI assistant that helps users with various tasks. " +
		"You have access to tools that can help you provide more accurate and helpful responses."

	toolOnlyAddendum = " You should only respond to requests related to the available tools " +
		"and decline general conversation requests politely."

	guidelines = "Guidelines:\n" +
		"- Be helpful, accurate, and concise\n" +
		"- If you need to use a tool but don't have all required parameters, ask for the missing information\n" +
		"- If a tool execution fails, explain the issue and suggest alternatives\n" +
		"- Maintain conversation context and refer back to previous exchanges when relevant"
)

// ToolOutcome is the result of a tool run within a turn.
type ToolOutcome struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     any               `json:"result,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
}

// Note renders the outcome for the system prompt.
func (o ToolOutcome) Note() string {
	if o.Success {
		return fmt.Sprintf("Tool '%s' was executed successfully with result: %v", o.Name, o.Result)
	}
	return fmt.Sprintf("Tool '%s' execution failed: %s", o.Name, o.Error)
}

type promptInput struct {
	generalChat bool
	catalog     []tools.Descriptor
	outcome     *ToolOutcome
	suggestion  *detect.Suggestion
	flow        domain.FlowState
	history     []domain.Message
	userText    string
}

func systemMessage(in promptInput) string {
	head := persona
	if !in.generalChat {
		head += toolOnlyAddendum
	}
	parts := []string{head}

	if len(in.catalog) > 0 {
		var b strings.Builder
		b.WriteString("Available tools:")
		for _, d := range in.catalog {
			fmt.Fprintf(&b, "\n- %s: %s", d.Name, d.Description)
		}
		parts = append(parts, b.String())
	}
	if in.outcome != nil {
		parts = append(parts, in.outcome.Note())
	}
	if in.suggestion != nil {
		parts = append(parts, "Ask the user for the missing information: "+in.suggestion.Message)
	}
	if in.flow.AwaitingInput() {
		parts = append(parts, "You are currently waiting for user input: "+in.flow.Description)
	}
	parts = append(parts, guidelines)
	return strings.Join(parts, "\n\n")
}

// buildContext assembles the model context: one system message, the
// trailing history window and the new user message.
func buildContext(in promptInput) []llm.Message {
	window := domain.LastN(in.history, HistoryWindow)
	msgs := make([]llm.Message, 0, len(window)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemMessage(in)})
	for _, m := range window {
		role := llm.RoleUser
		if m.IsAssistant() {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: in.userText})
}
