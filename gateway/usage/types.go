// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package usage records token usage and derived cost/price per
// workspace. The request path queues raw events best-effort; a
// background aggregator rolls them up into cache-backed per-workspace
// and per-provider summaries. The summaries are monitoring data, not a
// ledger - the billing database is the durable source of truth.
package usage

import (
	"fmt"
	"time"
)

const (
	// QueueKey is the shared list holding raw usage events awaiting
	// aggregation. Producers RPUSH, the aggregator LPOPs: each event is
	// consumed at most once even with multiple gateway processes.
	QueueKey = "usage:events"

	// WorkspaceAggregateTTL expires an inactive workspace rollup; it is
	// a cache, not a ledger.
	WorkspaceAggregateTTL = 24 * time.Hour

	// ProviderStatsTTL expires the per-provider monitoring blob.
	ProviderStatsTTL = time.Hour

	// RecentEntryTTL is the lifetime of the read-back entry written on
	// every tracked request.
	RecentEntryTTL = 5 * time.Minute

	// latencyWindowSize bounds the rolling latency sample window.
	latencyWindowSize = 100
)

// Event is one record of token counts and derived cost/price for a
// single completed request, queued for aggregation and then discarded.
type Event struct {
	ID           string            `json:"id"`
	WorkspaceID  string            `json:"workspace_id"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	CostUSD      float64           `json:"cost_usd"`
	PriceUSD     float64           `json:"price_usd"`
	Estimated    bool              `json:"estimated,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TotalTokens returns the event's token total with missing sides
// treated as zero.
func (e Event) TotalTokens() int {
	in, out := e.InputTokens, e.OutputTokens
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	return in + out
}

// Breakdown is one row of a by-provider or by-model rollup.
type Breakdown struct {
	CostUSD  float64 `json:"cost_usd"`
	PriceUSD float64 `json:"price_usd"`
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
}

// WorkspaceAggregate is the incrementally updated usage summary for one
// workspace. It is never recomputed from scratch except after cache
// expiry.
type WorkspaceAggregate struct {
	TotalCostUSD  float64               `json:"total_cost_usd"`
	TotalPriceUSD float64               `json:"total_price_usd"`
	TotalTokens   int64                 `json:"total_tokens"`
	ByProvider    map[string]*Breakdown `json:"by_provider"`
	ByModel       map[string]*Breakdown `json:"by_model"`
	LastUpdated   time.Time             `json:"last_updated"`
}

// NewWorkspaceAggregate creates an empty aggregate.
func NewWorkspaceAggregate() *WorkspaceAggregate {
	return &WorkspaceAggregate{
		ByProvider: make(map[string]*Breakdown),
		ByModel:    make(map[string]*Breakdown),
	}
}

// Apply folds one event into the aggregate. Addition is associative:
// applying [e1,e2] then [e3] equals applying [e1,e2,e3] in one pass.
func (a *WorkspaceAggregate) Apply(e Event) {
	if a.ByProvider == nil {
		a.ByProvider = make(map[string]*Breakdown)
	}
	if a.ByModel == nil {
		a.ByModel = make(map[string]*Breakdown)
	}

	tokens := int64(e.TotalTokens())

	a.TotalCostUSD += e.CostUSD
	a.TotalPriceUSD += e.PriceUSD
	a.TotalTokens += tokens
	a.LastUpdated = e.Timestamp

	p := a.ByProvider[e.Provider]
	if p == nil {
		p = &Breakdown{}
		a.ByProvider[e.Provider] = p
	}
	p.CostUSD += e.CostUSD
	p.PriceUSD += e.PriceUSD
	p.Tokens += tokens
	p.Requests++

	m := a.ByModel[e.Model]
	if m == nil {
		m = &Breakdown{}
		a.ByModel[e.Model] = m
	}
	m.CostUSD += e.CostUSD
	m.PriceUSD += e.PriceUSD
	m.Tokens += tokens
	m.Requests++
}

// ProviderStats is the per-provider monitoring blob. AvgLatencyMS is
// the rolling mean over the last latencyWindowSize samples.
type ProviderStats struct {
	Requests     int64     `json:"requests"`
	CostUSD      float64   `json:"cost_usd"`
	PriceUSD     float64   `json:"price_usd"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	Errors       int64     `json:"errors"`
	LastUpdated  time.Time `json:"last_updated"`
}

// RecentEntry is the short-TTL read-back record written synchronously
// on every tracked request.
type RecentEntry struct {
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	PriceUSD     float64   `json:"price_usd"`
	Timestamp    time.Time `json:"timestamp"`
}

// WorkspaceKey is the cache key of a workspace aggregate.
func WorkspaceKey(workspaceID string) string {
	return fmt.Sprintf("usage:workspace:%s", workspaceID)
}

// ProviderStatsKey is the cache key of a provider stats blob.
func ProviderStatsKey(provider string) string {
	return fmt.Sprintf("provider:stats:%s", provider)
}

// RecentKey is the cache key of a read-back entry.
func RecentKey(workspaceID, provider, model string) string {
	return fmt.Sprintf("usage:recent:%s:%s:%s", workspaceID, provider, model)
}
