// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements fixed-window per-workspace request
// throttling over the shared store. It degrades open: when the store is
// unreachable every request is allowed, because rate limiting here is a
// protective layer, not a security boundary.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"agentworks/gateway/cache"
)

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter enforces fixed-window counters keyed by workspace.
type Limiter struct {
	store  *cache.Store
	logger *log.Logger
}

// NewLimiter creates a limiter over the given store (nil store is valid
// and always allows).
func NewLimiter(store *cache.Store) *Limiter {
	return &Limiter{
		store:  store,
		logger: log.New(os.Stdout, "[RATELIMIT] ", log.LstdFlags),
	}
}

func limitKey(workspaceID string) string {
	return fmt.Sprintf("ratelimit:%s", workspaceID)
}

// Check counts this request against the workspace's current window.
// The first request in a window sets the expiry; subsequent requests
// increment the same atomic counter until it lapses. On any store
// failure the request is allowed with Remaining = maxRequests.
func (l *Limiter) Check(ctx context.Context, workspaceID string, maxRequests int, window time.Duration) Decision {
	key := limitKey(workspaceID)

	count, err := l.store.IncrWithTTL(ctx, key, window)
	if err != nil {
		l.logger.Printf("Warning: rate limit check failed for %s: %v (failing open)", workspaceID, err)
		return Decision{
			Allowed:   true,
			Remaining: maxRequests,
			ResetTime: time.Now().Add(window),
		}
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = window
	}
	resetTime := time.Now().Add(ttl)

	remaining := maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(maxRequests),
		Remaining: remaining,
		ResetTime: resetTime,
	}
}
