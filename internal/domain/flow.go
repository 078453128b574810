package domain

// FlowStateKind enumerates the conversation flow states.
type FlowStateKind string

// Flow states.
const (
	FlowInitial         FlowStateKind = "initial"
	FlowOngoing         FlowStateKind = "ongoing"
	FlowWaitingForInput FlowStateKind = "waiting_for_input"
	FlowToolExecution   FlowStateKind = "tool_execution"
	FlowCompleted       FlowStateKind = "completed"
	FlowError           FlowStateKind = "error"
)

// FlowState is the per-turn result of conversation flow analysis.
// It is never persisted.
type FlowState struct {
	State         FlowStateKind `json:"state"`
	InputType     string        `json:"input_type,omitempty"`
	Description   string        `json:"description,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	Urgent        bool          `json:"urgent,omitempty"`
	Alternatives  []string      `json:"alternatives,omitempty"`
	ExtractedInfo string        `json:"extracted_info,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// AwaitingInput reports whether the assistant is still waiting on a
// solicited value from the user.
func (f FlowState) AwaitingInput() bool {
	return f.State == FlowWaitingForInput
}

// Terminal reports whether the state ends the conversation flow.
func (f FlowState) Terminal() bool {
	return f.State == FlowCompleted || f.State == FlowError
}
