package pricing

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
)

// FallbackPer1K is charged for models missing from the table.
const FallbackPer1K = 0.002

// Price is the USD cost of one model. CombinedPer1K is used when the
// input/output split is not known.
type Price struct {
	InputPer1K    float64 `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K   float64 `mapstructure:"output_per_1k" yaml:"output_per_1k"`
	CombinedPer1K float64 `mapstructure:"combined_per_1k" yaml:"combined_per_1k"`
}

// Settings is the pricing section of the configuration.
type Settings struct {
	DefaultPer1K float64          `mapstructure:"default_per_1k" yaml:"default_per_1k"`
	Models       map[string]Price `mapstructure:"models" yaml:"models"`
}

// Validate rejects negative prices.
func (s Settings) Validate() error {
	if s.DefaultPer1K < 0 {
		return fmt.Errorf("pricing.default_per_1k must be >= 0, got %g", s.DefaultPer1K)
	}
	for model, p := range s.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 || p.CombinedPer1K < 0 {
			return fmt.Errorf("pricing.models.%s: negative price", model)
		}
	}
	return nil
}

// Table prices token usage per model. Model names match case-insensitively.
// A nil Table charges FallbackPer1K for everything.
type Table struct {
	defaultPer1K float64
	models       map[string]Price
}

func New(s Settings) *Table {
	models := make(map[string]Price, len(s.Models))
	for name, p := range s.Models {
		models[strings.ToLower(name)] = p
	}
	return &Table{defaultPer1K: s.DefaultPer1K, models: models}
}

func (t *Table) lookup(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	p, ok := t.models[strings.ToLower(model)]
	return p, ok
}

// DefaultPerToken returns default combined price per token
func (t *Table) DefaultPerToken() float64 {
	if t != nil && t.defaultPer1K > 0 {
		return t.defaultPer1K / 1000.0
	}
	return FallbackPer1K / 1000.0
}

// PricePerTokenForModel returns combined price per token for a model if available
func (t *Table) PricePerTokenForModel(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	m, ok := t.lookup(model)
	if !ok {
		return 0, false
	}
	if m.CombinedPer1K > 0 {
		return m.CombinedPer1K / 1000.0, true
	}
	// If only input/output provided, approximate combined as average
	if m.InputPer1K > 0 && m.OutputPer1K > 0 {
		return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForSplit computes cost using input/output token split when available.
// Falls back to combined pricing or default if model not found.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int) float64 {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)

	if m, ok := t.lookup(model); ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	if model == "" {
		metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(inputTokens+outputTokens) * t.DefaultPerToken()
}
