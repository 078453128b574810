package detect

import (
	"math"
	"strings"

	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/pattern"
)

// Completeness describes how usable the extracted parameters of a
// detection result are.
type Completeness struct {
	Complete          bool               `json:"complete"`
	MissingParameters []string           `json:"missing_parameters"`
	FoundParameters   []string           `json:"found_parameters"`
	Quality           map[string]float64 `json:"parameter_quality"`
	Confidence        float64            `json:"completeness_confidence"`
}

// Suggestion is the user-facing hint for a tool whose parameters are missing.
type Suggestion struct {
	Message      string   `json:"message"`
	Examples     []string `json:"examples"`
	RequiredInfo []string `json:"required_info"`
}

// ParameterCompleteness scores a result as 0.7 times the found ratio plus
// 0.3 times the average parameter quality.
func ParameterCompleteness(result domain.ToolDetectionResult) Completeness {
	c := Completeness{
		MissingParameters: []string{},
		FoundParameters:   []string{},
		Quality:           map[string]float64{},
	}
	if !result.ToolRequired {
		c.Complete = true
		c.Confidence = 1
		return c
	}

	for _, name := range result.RequiredParameters {
		value, ok := result.ExtractedParameters[name]
		if !ok || value == "" {
			c.MissingParameters = append(c.MissingParameters, name)
			continue
		}
		c.FoundParameters = append(c.FoundParameters, name)
		c.Quality[name] = ParameterQuality(name, value)
	}

	c.Complete = len(c.MissingParameters) == 0
	if len(result.RequiredParameters) == 0 {
		c.Confidence = 1
		return c
	}

	ratio := float64(len(c.FoundParameters)) / float64(len(result.RequiredParameters))
	avg := 0.0
	for _, q := range c.Quality {
		avg += q
	}
	if len(c.Quality) > 0 {
		avg /= float64(len(c.Quality))
	}
	c.Confidence = round2(ratio*0.7 + avg*0.3)
	return c
}

// ParameterQuality rates a single extracted value between 0 and 1.
func ParameterQuality(name, value string) float64 {
	if value == "" {
		return 0
	}
	if name != ParamDeliveryNumber {
		return 0.6
	}
	switch {
	case len(value) < pattern.MinIdentifierLength:
		return 0.2
	case len(value) > pattern.MaxIdentifierLength:
		return 0.3
	case pattern.ValidIdentifier(value):
		return 0.9
	default:
		return 0.4
	}
}

// Suggest returns a hint asking for missing parameters, or false when the
// result needs nothing from the user.
func Suggest(result domain.ToolDetectionResult) (Suggestion, bool) {
	if !result.ToolRequired || len(result.MissingParameters()) == 0 {
		return Suggestion{}, false
	}
	if result.ToolName != DeliveryTracker {
		return Suggestion{
			Message:      "Please provide the required information: " + strings.Join(result.MissingParameters(), ", "),
			RequiredInfo: result.MissingParameters(),
		}, true
	}
	return Suggestion{
		Message: "It looks like you want to track a delivery. Please provide your tracking number.",
		Examples: []string{
			"Track package AB1234567890",
			"Check delivery status for 1234567890123",
			"Where is my package with tracking number XY987654321",
		},
		RequiredInfo: []string{ParamDeliveryNumber},
	}, true
}

// genericThreshold is the floor for tools without a configured threshold.
const genericThreshold = 0.5

// ConfidenceThreshold is the minimum confidence at which tool is invoked.
// The delivery tracker uses the configured threshold; other tools never go
// below genericThreshold.
func (d *Detector) ConfidenceThreshold(tool string) float64 {
	if tool == DeliveryTracker {
		return d.w.Threshold
	}
	return max(d.w.Threshold, genericThreshold)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
