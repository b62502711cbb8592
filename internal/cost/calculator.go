package cost

// Provider names used as pricing keys.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates holds per-provider pricing configuration. Default is used for a
// provider's models that have no explicit entry.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	Default   map[string]ModelRate `yaml:"default" mapstructure:"default"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the pricing for provider/model and whether one was found.
func (c *Calculator) Rate(provider, model string) (ModelRate, bool) {
	var models map[string]ModelRate
	switch provider {
	case ProviderClaude:
		models = c.rates.Anthropic
	case ProviderOpenAI:
		models = c.rates.OpenAI
	}
	if rate, ok := models[model]; ok {
		return rate, true
	}
	rate, ok := c.rates.Default[provider]
	return rate, ok
}

// Tokens computes the USD cost of one call. Unknown providers cost 0.
func (c *Calculator) Tokens(provider, model string, input, output int) float64 {
	rate, ok := c.Rate(provider, model)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Merge overlays configured per-model rates onto r.
func (r Rates) Merge(anthropic, openai map[string]ModelRate) Rates {
	out := Rates{
		Anthropic: copyRates(r.Anthropic),
		OpenAI:    copyRates(r.OpenAI),
		Default:   copyRates(r.Default),
	}
	for k, v := range anthropic {
		out.Anthropic[k] = v
	}
	for k, v := range openai {
		out.OpenAI[k] = v
	}
	return out
}

func copyRates(in map[string]ModelRate) map[string]ModelRate {
	out := make(map[string]ModelRate, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4-turbo": {Input: 10.00, Output: 30.00},
		},
		Default: map[string]ModelRate{
			ProviderClaude: {Input: 3.00, Output: 15.00},
			ProviderOpenAI: {Input: 10.00, Output: 30.00},
		},
	}
}
