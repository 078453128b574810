// Package detect scores user messages for deterministic tool invocation.
package detect

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/pattern"
)

// DeliveryTracker is the name of the delivery tracking tool.
const DeliveryTracker = "delivery_tracker"

// ParamDeliveryNumber is the delivery tracker's required parameter.
const ParamDeliveryNumber = "delivery_number"

// Weights are the named score increments and thresholds of the detector.
type Weights = config.DetectionWeights

// DefaultWeights returns the reference policy.
func DefaultWeights() Weights {
	return config.DefaultDetectionWeights()
}

var (
	intentKeywords = pattern.NewGroup("intent",
		`\b(?:track|tracking|trace|status|check)\b`,
		`\b(?:delivery|shipment|package|order)\b`,
		`\b(?:where\s+is|locate|find)\b`,
		`\b(?:update|progress|arrival)\b`,
	)
	urgencyIndicators = pattern.NewGroup("urgency",
		`\b(?:urgent|asap|immediately|quickly)\b`,
		`\b(?:late|delayed|overdue)\b`,
		`\b(?:when|what time|arrival time)\b`,
	)
	explicitRequests = pattern.NewGroup("explicit",
		`track\s+(?:my|the)?\s*(?:package|delivery|shipment)`,
		`check\s+(?:my|the)?\s*(?:delivery|shipment)\s*status`,
		`where\s+is\s+my\s+(?:package|order|delivery)`,
		`delivery\s+status`,
	)
	contextKeywords = []string{
		"shipped", "sent", "dispatched", "courier", "postal",
		"fedex", "ups", "dhl", "usps", "amazon",
		"expected", "estimated", "arrive", "delivery date",
	}
)

// Detector decides whether a message needs a tool. It is stateless and
// deterministic for a given message and history.
type Detector struct {
	enabled         bool
	deliveryEnabled bool
	w               Weights
}

// New creates a Detector from the tools configuration.
func New(cfg config.ToolsConfig) *Detector {
	return &Detector{
		enabled:         cfg.Enabled,
		deliveryEnabled: cfg.DeliveryTrackerEnabled,
		w:               cfg.Detection,
	}
}

// Analyze scores text with the last messages of history as context.
func (d *Detector) Analyze(text string, history []domain.Message) domain.ToolDetectionResult {
	if !d.enabled {
		return notRequired("Tools are disabled in configuration")
	}

	if !d.deliveryEnabled {
		return notRequired("Delivery tracker tool is disabled")
	}

	if result := d.analyzeDelivery(text, history); result.ToolRequired {
		return result
	}
	return notRequired("No tool requirements detected in message")
}

func notRequired(reason string) domain.ToolDetectionResult {
	return domain.ToolDetectionResult{
		ExtractedParameters: map[string]string{},
		Reasoning:           reason,
	}
}

func (d *Detector) analyzeDelivery(text string, history []domain.Message) domain.ToolDetectionResult {
	score := 0.0
	var reasons []string

	for _, p := range intentKeywords.Matching(text) {
		score += d.w.IntentKeyword
		reasons = append(reasons, "Found intent keyword: "+p)
	}

	numbers := pattern.TrackingNumbers.Extract(text)
	if len(numbers) > 0 {
		score += d.w.Identifier
		reasons = append(reasons, fmt.Sprintf("Found %d potential delivery numbers", len(numbers)))
	}

	for _, p := range urgencyIndicators.Matching(text) {
		score += d.w.Urgency
		reasons = append(reasons, "Found urgency indicator: "+p)
	}

	if boost := d.contextBoost(history); boost > 0 {
		score += boost
		reasons = append(reasons, fmt.Sprintf("Conversation context boost: %.2f", boost))
	}

	for _, p := range explicitRequests.Matching(text) {
		score += d.w.ExplicitPhrase
		reasons = append(reasons, "Explicit tool request detected: "+p)
	}

	required := score >= d.ConfidenceThreshold(DeliveryTracker)
	params := map[string]string{}
	if len(numbers) > 0 {
		params[ParamDeliveryNumber] = numbers[0]
	}
	if required && len(numbers) == 0 {
		reasons = append(reasons, "High confidence for delivery tracking but no delivery number found")
	}

	reasoning := "No significant patterns detected"
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, "; ")
	}

	slog.Debug("Delivery tracking analysis",
		"confidence", score,
		"tool_required", required,
		"parameters", params)

	result := domain.ToolDetectionResult{
		ToolRequired:        required,
		Confidence:          min(score, 1.0),
		RequiredParameters:  []string{ParamDeliveryNumber},
		ExtractedParameters: params,
		Reasoning:           reasoning,
	}
	if required {
		result.ToolName = DeliveryTracker
	}
	return result
}

// contextBoost scores shipping keywords in the recent history. Newer
// messages weigh more: the newest has weight 1, the oldest 1/n.
func (d *Detector) contextBoost(history []domain.Message) float64 {
	recent := domain.LastN(history, d.w.ContextWindow)
	n := len(recent)
	if n == 0 {
		return 0
	}

	boost := 0.0
	for i, m := range recent {
		matches := pattern.CountContains(m.Content, contextKeywords)
		if matches == 0 {
			continue
		}
		weight := float64(i+1) / float64(n)
		boost += min(float64(matches)*d.w.ContextPerMatch*weight, d.w.ContextPerMessageCap)
	}
	return min(boost, d.w.ContextCap)
}
