// Package flow classifies the conversation state from the last assistant
// message and the user's reply.
package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/pattern"
)

// Input types solicited by the assistant.
const (
	InputDeliveryNumber = "delivery_number"
	InputConfirmation   = "confirmation"
	InputClarification  = "clarification"
	InputChoice         = "choice"
	InputGeneral        = "general"
)

type solicitation struct {
	inputType    string
	description  string
	patterns     *pattern.Group
	alternatives []string
	extract      func(text string) (string, float64, bool)
}

// solicitations are tried in order; the generic question fallback is last.
var solicitations = []solicitation{
	{
		inputType:    InputDeliveryNumber,
		description:  "delivery or tracking number",
		patterns:     pattern.NewGroup(InputDeliveryNumber, `delivery\s*number`, `tracking\s*number`, `package\s*id`, `shipment\s*id`, `order\s*number`),
		alternatives: []string{"tracking number", "package ID", "shipment number", "order number"},
		extract:      extractDeliveryNumber,
	},
	{
		inputType:    InputConfirmation,
		description:  "confirmation (yes/no)",
		patterns:     pattern.NewGroup(InputConfirmation, `confirm`, `yes\s*or\s*no`, `proceed`, `continue`),
		alternatives: []string{"yes", "no", "confirm", "cancel"},
		extract:      extractConfirmation,
	},
	{
		inputType:    InputClarification,
		description:  "clarification or additional details",
		patterns:     pattern.NewGroup(InputClarification, `clarify`, `specify`, `more\s*details`, `which\s*one`),
		alternatives: []string{"provide more details", "specify what you mean", "explain further"},
		extract:      extractClarification,
	},
	{
		inputType:    InputChoice,
		description:  "selection from available options",
		patterns:     pattern.NewGroup(InputChoice, `choose`, `select`, `option`, `preference`),
		alternatives: []string{"select option number", "choose by letter", "say 'first', 'second', etc."},
		extract:      extractChoice,
	},
	{
		inputType:   InputGeneral,
		description: "general information",
		patterns:    pattern.NewGroup(InputGeneral, `\?`),
		extract:     extractGeneral,
	},
}

var (
	positiveResponses = pattern.NewGroup("positive",
		`\byes\b`, `\byep\b`, `\byeah\b`, `\bsure\b`, `\bok\b`, `\bokay\b`,
		`\bconfirm\b`, `\bproceed\b`, `\bcorrect\b`, `\bright\b`, `\bagree\b`,
	)
	negativeResponses = pattern.NewGroup("negative",
		`\bno\b`, `\bnope\b`, `\bcancel\b`, `\bstop\b`,
		`\bwrong\b`, `\bincorrect\b`, `\bdisagree\b`,
	)
	completionIndicators = pattern.NewGroup("completion",
		`\bthank\s*you\b`, `\bthanks\b`, `\bgoodbye\b`, `\bbye\b`, `\bdone\b`,
		`\bfinished\b`, `\bno\s*more\s*questions\b`, `\bthat's\s*all\b`,
	)
	urgentIndicators = pattern.NewGroup("urgent",
		`please\s*provide`, `need\s*to\s*know`, `required`, `must\s*have`, `important`,
	)

	choiceNumber = regexp.MustCompile(`\b([1-9])\b`)
	choiceLetter = regexp.MustCompile(`\b([a-e])\b`)
	ordinals     = []struct {
		re     *regexp.Regexp
		choice string
	}{
		{regexp.MustCompile(`\bfirst\b`), "option_1"},
		{regexp.MustCompile(`\bsecond\b`), "option_2"},
		{regexp.MustCompile(`\bthird\b`), "option_3"},
		{regexp.MustCompile(`\bfourth\b`), "option_4"},
		{regexp.MustCompile(`\bfifth\b`), "option_5"},
	}
)

// Analyzer computes the flow state for a turn. It holds no per-session state.
type Analyzer struct {
	maxConversationLength int
}

// New creates an Analyzer. A history at or over maxConversationLength
// counts as completed.
func New(maxConversationLength int) *Analyzer {
	return &Analyzer{maxConversationLength: maxConversationLength}
}

// Analyze classifies the turn. history excludes userText. Any internal
// failure yields an error state instead of a panic.
func (a *Analyzer) Analyze(history []domain.Message, userText string) (state domain.FlowState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Flow analysis failed", "panic", r)
			state = domain.FlowState{State: domain.FlowError, Error: fmt.Sprint(r)}
		}
	}()

	if len(history) == 0 {
		return domain.FlowState{State: domain.FlowInitial}
	}
	last, ok := domain.LastAssistant(history)
	if !ok {
		return domain.FlowState{State: domain.FlowInitial}
	}

	sol, ok := findSolicitation(last.Content)
	if !ok {
		if a.shouldComplete(history, userText) {
			return domain.FlowState{State: domain.FlowCompleted}
		}
		return domain.FlowState{State: domain.FlowOngoing}
	}

	if value, confidence, ok := sol.extract(userText); ok {
		return domain.FlowState{
			State:         domain.FlowOngoing,
			InputType:     sol.inputType,
			ExtractedInfo: value,
			Confidence:    confidence,
		}
	}

	return domain.FlowState{
		State:        domain.FlowWaitingForInput,
		InputType:    sol.inputType,
		Description:  sol.description,
		Attempts:     countAttempts(history, sol),
		Urgent:       sol.inputType != InputGeneral && urgentIndicators.Match(last.Content),
		Alternatives: sol.alternatives,
	}
}

func findSolicitation(assistantText string) (solicitation, bool) {
	for _, s := range solicitations {
		if s.patterns.Match(assistantText) {
			return s, true
		}
	}
	return solicitation{}, false
}

// countAttempts walks back over assistant messages while they keep asking
// for the same input. User messages are skipped.
func countAttempts(history []domain.Message, s solicitation) int {
	attempts := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if !m.IsAssistant() {
			continue
		}
		if !s.patterns.Match(m.Content) {
			break
		}
		attempts++
	}
	return attempts
}

func (a *Analyzer) shouldComplete(history []domain.Message, userText string) bool {
	if completionIndicators.Match(userText) {
		return true
	}
	return a.maxConversationLength > 0 && len(history) >= a.maxConversationLength
}

func extractDeliveryNumber(text string) (string, float64, bool) {
	id, ok := pattern.FlowIdentifiers.First(text)
	return id, 0.9, ok
}

func extractConfirmation(text string) (string, float64, bool) {
	switch {
	case positiveResponses.Match(text):
		return "yes", 0.8, true
	case negativeResponses.Match(text):
		return "no", 0.8, true
	}
	return "", 0, false
}

func extractClarification(text string) (string, float64, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 5 {
		return trimmed, 0.6, true
	}
	return "", 0, false
}

func extractChoice(text string) (string, float64, bool) {
	lower := strings.ToLower(text)
	if m := choiceNumber.FindStringSubmatch(lower); m != nil {
		return "option_" + m[1], 0.7, true
	}
	if m := choiceLetter.FindStringSubmatch(lower); m != nil {
		return "option_" + m[1], 0.7, true
	}
	for _, o := range ordinals {
		if o.re.MatchString(lower) {
			return o.choice, 0.7, true
		}
	}
	return "", 0, false
}

func extractGeneral(text string) (string, float64, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", 0, false
	}
	return trimmed, 0.5, true
}
