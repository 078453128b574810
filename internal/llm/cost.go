package llm

import "math"

// Price is the USD cost per thousand tokens.
type Price struct {
	Input  float64
	Output float64
}

var pricing = map[string]Price{
	"amazon.nova-micro-v1:0": {Input: 0.000035, Output: 0.00014},
	"amazon.nova-lite-v1:0":  {Input: 0.00006, Output: 0.00024},
	"amazon.nova-pro-v1:0":   {Input: 0.0008, Output: 0.0032},
}

var defaultPrice = Price{Input: 0.0001, Output: 0.0004}

// Cost is an approximate spend estimate.
type Cost struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Currency   string  `json:"currency"`
}

// EstimateCost prices token usage for model. Unknown models use a generic
// rate.
func EstimateCost(model string, inputTokens, outputTokens int) Cost {
	p, ok := pricing[model]
	if !ok {
		p = defaultPrice
	}
	in := float64(inputTokens) / 1000 * p.Input
	out := float64(outputTokens) / 1000 * p.Output
	return Cost{
		InputCost:  round6(in),
		OutputCost: round6(out),
		TotalCost:  round6(in + out),
		Currency:   "USD",
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
