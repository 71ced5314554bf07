// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package pricing provides the static cost/price table for LLM and
// voice providers. Cost is what the platform pays the vendor; price is
// what the workspace is billed, derived by a fixed markup applied at
// response time so historical records stay stable across table updates.
package pricing

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// DefaultMarkup is the platform margin applied to vendor cost.
const DefaultMarkup = 1.2

// ModelPricing contains pricing per 1K tokens for a model.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Table holds pricing information for all providers and models.
// A "*" model row is the per-provider fallback for unknown models.
type Table struct {
	Providers map[string]map[string]ModelPricing `json:"providers"`
	Markup    float64                            `json:"markup,omitempty"`
	mu        sync.RWMutex
}

// defaultProviders contains default pricing per 1K tokens in USD.
var defaultProviders = map[string]map[string]ModelPricing{
	"openai": {
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o1-preview":    {InputPer1K: 0.015, OutputPer1K: 0.06},
		"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
		"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	"anthropic": {
		"claude-sonnet-4-20250514":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-opus-4-20250514":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"*":                          {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	"google": {
		"gemini-2.0-flash":    {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-pro":      {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash":    {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-flash-8b": {InputPer1K: 0.0000375, OutputPer1K: 0.00015},
		"*":                   {InputPer1K: 0.001, OutputPer1K: 0.004},
	},
	// ElevenLabs bills per character; characters are recorded as output
	// tokens by the voice adapter.
	"elevenlabs": {
		"eleven_multilingual_v2": {InputPer1K: 0, OutputPer1K: 0.18},
		"eleven_turbo_v2_5":      {InputPer1K: 0, OutputPer1K: 0.06},
		"*":                      {InputPer1K: 0, OutputPer1K: 0.18},
	},
}

// NewTable creates a pricing table with default rows and markup.
func NewTable() *Table {
	return &Table{
		Providers: copyProviders(defaultProviders),
		Markup:    DefaultMarkup,
	}
}

// LoadFromEnv loads custom pricing from the AGENTWORKS_PRICING_CONFIG
// env var (JSON, merged over defaults).
func LoadFromEnv() *Table {
	table := NewTable()

	pricingJSON := os.Getenv("AGENTWORKS_PRICING_CONFIG")
	if pricingJSON != "" {
		var custom Table
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			table.merge(&custom)
		}
	}

	return table
}

// LoadFromFile loads pricing overrides from a JSON file, merged over
// defaults.
func LoadFromFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	table := NewTable()
	var custom Table
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	table.merge(&custom)

	return table, nil
}

func (t *Table) merge(custom *Table) {
	for provider, models := range custom.Providers {
		if t.Providers[provider] == nil {
			t.Providers[provider] = make(map[string]ModelPricing)
		}
		for model, p := range models {
			t.Providers[provider][model] = p
		}
	}
	if custom.Markup > 0 {
		t.Markup = custom.Markup
	}
}

// Cost calculates the vendor cost in USD for a request. Unknown
// providers cost 0; unknown models fall back to the provider wildcard.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	provider = strings.ToLower(provider)

	models, ok := t.Providers[provider]
	if !ok {
		return 0
	}

	p, ok := models[model]
	if !ok {
		p, ok = models[strings.ToLower(model)]
		if !ok {
			p, ok = models["*"]
			if !ok {
				return 0
			}
		}
	}

	inputCost := float64(inputTokens) / 1000.0 * p.InputPer1K
	outputCost := float64(outputTokens) / 1000.0 * p.OutputPer1K

	return inputCost + outputCost
}

// Price applies the fixed markup to a vendor cost.
func (t *Table) Price(cost float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cost * t.Markup
}

// Estimate is the pure pre-flight calculator: given token counts it
// returns (cost, price) exactly as a completed response would compute
// them against this table version.
func (t *Table) Estimate(provider, model string, inputTokens, outputTokens int) (cost, price float64) {
	cost = t.Cost(provider, model, inputTokens, outputTokens)
	return cost, t.Price(cost)
}

// GetModelPricing returns the pricing row for a model, falling back to
// the provider wildcard.
func (t *Table) GetModelPricing(provider, model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.Providers[strings.ToLower(provider)]
	if !ok {
		return ModelPricing{}, false
	}

	p, ok := models[model]
	if !ok {
		p, ok = models["*"]
	}
	return p, ok
}

// SetModelPricing sets the pricing row for a model.
func (t *Table) SetModelPricing(provider, model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	provider = strings.ToLower(provider)
	if t.Providers[provider] == nil {
		t.Providers[provider] = make(map[string]ModelPricing)
	}
	t.Providers[provider][model] = p
}

// ListProviders returns all configured provider names.
func (t *Table) ListProviders() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	providers := make([]string, 0, len(t.Providers))
	for provider := range t.Providers {
		providers = append(providers, provider)
	}
	return providers
}

func copyProviders(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing)
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing)
		for model, p := range models {
			dst[provider][model] = p
		}
	}
	return dst
}
