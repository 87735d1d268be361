package tokenizer

import "strings"

// ModelPricing holds the per-million-token costs for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Pricing maps model identifiers, or family prefixes, to token pricing.
var Pricing = map[string]ModelPricing{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-4-32k":     {60.00, 120.00},
	"gpt-3.5-turbo": {0.50, 1.50},

	"text-embedding-3-small": {0.02, 0},
	"text-embedding-3-large": {0.13, 0},
	"text-embedding-ada-002": {0.10, 0},

	"gemini-1.5-flash": {0.075, 0.30},
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-2.0-flash": {0.10, 0.40},
}

// GetPricing returns the pricing for model: an exact match first, then the
// longest known prefix so that dated variants resolve to their family.
func GetPricing(model string) (ModelPricing, bool) {
	model = strings.ToLower(model)
	if p, ok := Pricing[model]; ok {
		return p, true
	}
	if k, p := longestPrefix(model, Pricing); k != "" {
		return p, true
	}
	return ModelPricing{}, false
}

// EstimateCost returns the USD cost of a call, or 0 for unpriced models.
func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	p, ok := GetPricing(model)
	if !ok {
		return 0.0
	}
	return (float64(tokensIn)*p.InputPerMillion + float64(tokensOut)*p.OutputPerMillion) / 1_000_000
}
