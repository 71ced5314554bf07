// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package health tracks per-provider failure streaks and cached health
// flags in the shared store. The counters are an advisory signal: the
// router consults them only when a failure threshold is configured, and
// dashboards read them regardless.
package health

import (
	"context"
	"fmt"
	"time"

	"agentworks/gateway/cache"
)

const (
	// FailureWindow is the rolling expiry of a provider's failure
	// counter. Any success resets it to zero immediately.
	FailureWindow = time.Hour

	// HealthTTL is the lifetime of a cached health flag.
	HealthTTL = 5 * time.Minute
)

func failuresKey(provider string) string {
	return fmt.Sprintf("provider:failures:%s", provider)
}

func healthKey(provider string) string {
	return fmt.Sprintf("provider:health:%s", provider)
}

// Status is the cached health flag payload for one provider.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker records provider failures and health over the shared store.
// With no store every read degrades to "healthy, zero failures" so
// routing is never blocked by a cache outage.
type Tracker struct {
	store *cache.Store
}

// NewTracker creates a health tracker over the given store (nil store
// is valid degraded mode).
func NewTracker(store *cache.Store) *Tracker {
	return &Tracker{store: store}
}

// RecordFailure increments the provider's failure counter within the
// rolling window and marks it unhealthy. Returns the new count.
func (t *Tracker) RecordFailure(ctx context.Context, provider string) int64 {
	count, err := t.store.IncrWithTTL(ctx, failuresKey(provider), FailureWindow)
	if err != nil {
		return 0
	}

	_ = t.store.SetJSON(ctx, healthKey(provider), Status{Healthy: false, Timestamp: time.Now().UTC()}, HealthTTL)
	return count
}

// RecordSuccess resets the failure counter and marks the provider
// healthy.
func (t *Tracker) RecordSuccess(ctx context.Context, provider string) {
	_ = t.store.Del(ctx, failuresKey(provider))
	_ = t.store.SetJSON(ctx, healthKey(provider), Status{Healthy: true, Timestamp: time.Now().UTC()}, HealthTTL)
}

// Failures returns the provider's current failure count within the
// window. Store outages read as zero.
func (t *Tracker) Failures(ctx context.Context, provider string) int64 {
	var count int64
	found, err := t.store.GetJSON(ctx, failuresKey(provider), &count)
	if err != nil || !found {
		return 0
	}
	return count
}

// GetStatus returns the cached health flag. A miss or store outage
// reads as healthy with a zero timestamp: absence of evidence is not
// treated as an outage.
func (t *Tracker) GetStatus(ctx context.Context, provider string) Status {
	var status Status
	found, err := t.store.GetJSON(ctx, healthKey(provider), &status)
	if err != nil || !found {
		return Status{Healthy: true}
	}
	return status
}
