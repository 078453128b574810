package domain

// ToolDetectionResult describes whether a deterministic tool should run for
// a message and which parameters could be extracted for it.
type ToolDetectionResult struct {
	ToolRequired        bool              `json:"tool_required"`
	ToolName            string            `json:"tool_name,omitempty"`
	Confidence          float64           `json:"confidence"`
	RequiredParameters  []string          `json:"required_parameters,omitempty"`
	ExtractedParameters map[string]string `json:"extracted_parameters,omitempty"`
	Reasoning           string            `json:"reasoning"`
}

// MissingParameters lists required parameters that were not extracted.
func (r ToolDetectionResult) MissingParameters() []string {
	var missing []string
	for _, name := range r.RequiredParameters {
		if _, ok := r.ExtractedParameters[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
