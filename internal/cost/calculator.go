// Package cost prices language-model usage for the llm stage backend.
package cost

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/pkg/anthropic"
)

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model names to their pricing.
type Rates map[string]ModelRate

// Calculator prices token usage and keeps a running total per stage.
type Calculator struct {
	rates Rates

	mu      sync.Mutex
	byStage map[string]float64
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates, byStage: make(map[string]float64)}
}

// Price returns the USD cost of usage on model. Unknown models cost 0.
func (c *Calculator) Price(model string, usage anthropic.TokenUsage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	return (float64(usage.InputTokens)/1e6)*rate.Input + (float64(usage.OutputTokens)/1e6)*rate.Output
}

// Add prices usage, adds it to the stage's total and returns the call's cost.
func (c *Calculator) Add(stage, model string, usage anthropic.TokenUsage) float64 {
	usd := c.Price(model, usage)
	c.mu.Lock()
	c.byStage[stage] += usd
	c.mu.Unlock()
	return usd
}

// Totals returns a copy of the accumulated cost per stage.
func (c *Calculator) Totals() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.byStage))
	for k, v := range c.byStage {
		out[k] = v
	}
	return out
}

// Total returns the accumulated cost across all stages.
func (c *Calculator) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum float64
	for _, v := range c.byStage {
		sum += v
	}
	return sum
}

// LogTotals writes the accumulated spend to log. Nothing is logged before
// the first priced call.
func (c *Calculator) LogTotals(log *zap.Logger) {
	totals := c.Totals()
	if len(totals) == 0 {
		return
	}
	stages := make([]string, 0, len(totals))
	for k := range totals {
		stages = append(stages, k)
	}
	sort.Strings(stages)

	fields := make([]zap.Field, 0, len(stages)+1)
	fields = append(fields, zap.Float64("total_usd", c.Total()))
	for _, k := range stages {
		fields = append(fields, zap.Float64("usd_"+k, totals[k]))
	}
	log.Info("llm spend", fields...)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
	}
}
