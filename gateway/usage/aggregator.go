// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"agentworks/gateway/cache"
	"agentworks/gateway/shared/logger"
)

const (
	// DefaultInterval is the aggregation tick period.
	DefaultInterval = 30 * time.Second

	// DefaultBatchSize caps events drained per tick.
	DefaultBatchSize = 200
)

// Aggregator drains the usage-event queue on a fixed interval and folds
// events into per-workspace and per-provider cache-backed rollups. Run
// at most one instance per process; the destructive queue pop makes
// multi-process draining safe.
type Aggregator struct {
	store     *cache.Store
	tracker   *Tracker
	log       *logger.Logger
	interval  time.Duration
	batchSize int
}

// AggregatorOption configures the aggregator.
type AggregatorOption func(*Aggregator)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		a.interval = d
	}
}

// WithBatchSize caps events drained per tick.
func WithBatchSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		a.batchSize = n
	}
}

// NewAggregator creates an aggregator over the given store. tracker
// supplies latency means and error counts for the provider stats blob.
func NewAggregator(store *cache.Store, tracker *Tracker, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:     store,
		tracker:   tracker,
		log:       logger.New("usage-aggregator"),
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the aggregation loop and blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick drains one batch. A cache outage skips the whole tick: usage
// aggregation is best-effort monitoring data and self-heals next tick.
func (a *Aggregator) tick(ctx context.Context) {
	raw, err := a.store.PopRaw(ctx, QueueKey, a.batchSize)
	if err != nil {
		if !errors.Is(err, cache.ErrUnavailable) {
			a.log.Warn("", "", "Skipping aggregation tick: queue unavailable", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if len(raw) == 0 {
		// Zero-event ticks are a no-op; pending error counts wait for
		// the next non-empty batch.
		return
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal(item, &e); err != nil {
			a.log.Warn("", "", "Discarding malformed usage event", map[string]interface{}{"error": err.Error()})
			continue
		}
		events = append(events, e)
	}

	a.applyWorkspaces(ctx, events)
	a.applyProviderStats(ctx, events)
}

// applyWorkspaces folds the batch into each touched workspace
// aggregate: one read-merge-write per workspace per tick.
func (a *Aggregator) applyWorkspaces(ctx context.Context, events []Event) {
	byWorkspace := make(map[string][]Event)
	for _, e := range events {
		byWorkspace[e.WorkspaceID] = append(byWorkspace[e.WorkspaceID], e)
	}

	for workspaceID, batch := range byWorkspace {
		agg := NewWorkspaceAggregate()
		if _, err := a.store.GetJSON(ctx, WorkspaceKey(workspaceID), agg); err != nil {
			a.log.Warn(workspaceID, "", "Skipping workspace rollup: cache unavailable", map[string]interface{}{"error": err.Error()})
			continue
		}

		for _, e := range batch {
			agg.Apply(e)
		}

		if err := a.store.SetJSON(ctx, WorkspaceKey(workspaceID), agg, WorkspaceAggregateTTL); err != nil {
			a.log.Warn(workspaceID, "", "Failed to write workspace rollup", map[string]interface{}{"error": err.Error()})
		}
	}
}

// applyProviderStats folds the batch into each touched provider's
// monitoring blob, mixing in the rolling latency mean and drained error
// counts.
func (a *Aggregator) applyProviderStats(ctx context.Context, events []Event) {
	byProvider := make(map[string][]Event)
	for _, e := range events {
		byProvider[e.Provider] = append(byProvider[e.Provider], e)
	}

	drainedErrors := map[string]int64{}
	if a.tracker != nil {
		drainedErrors = a.tracker.takeErrors()
	}

	// Providers with errors but no completed events in this batch still
	// need their blob updated.
	for provider := range drainedErrors {
		if _, ok := byProvider[provider]; !ok {
			byProvider[provider] = nil
		}
	}

	for provider, batch := range byProvider {
		var stats ProviderStats
		if _, err := a.store.GetJSON(ctx, ProviderStatsKey(provider), &stats); err != nil {
			a.log.Warn("", "", "Skipping provider stats: cache unavailable", map[string]interface{}{"provider": provider, "error": err.Error()})
			continue
		}

		for _, e := range batch {
			stats.Requests++
			stats.CostUSD += e.CostUSD
			stats.PriceUSD += e.PriceUSD
		}
		stats.Errors += drainedErrors[provider]
		if a.tracker != nil {
			if mean := a.tracker.LatencyMean(provider); mean > 0 {
				stats.AvgLatencyMS = mean
			}
		}
		stats.LastUpdated = time.Now().UTC()

		if err := a.store.SetJSON(ctx, ProviderStatsKey(provider), stats, ProviderStatsTTL); err != nil {
			a.log.Warn("", "", "Failed to write provider stats", map[string]interface{}{"provider": provider, "error": err.Error()})
		}
	}
}

// GetWorkspaceUsage reads the current rollup for a workspace. A missing
// rollup returns an empty aggregate.
func GetWorkspaceUsage(ctx context.Context, store *cache.Store, workspaceID string) (*WorkspaceAggregate, error) {
	agg := NewWorkspaceAggregate()
	if _, err := store.GetJSON(ctx, WorkspaceKey(workspaceID), agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetProviderStats reads the monitoring blobs for the given providers.
func GetProviderStats(ctx context.Context, store *cache.Store, providers []string) (map[string]ProviderStats, error) {
	result := make(map[string]ProviderStats, len(providers))
	for _, provider := range providers {
		var stats ProviderStats
		found, err := store.GetJSON(ctx, ProviderStatsKey(provider), &stats)
		if err != nil {
			return nil, err
		}
		if found {
			result[provider] = stats
		}
	}
	return result, nil
}
