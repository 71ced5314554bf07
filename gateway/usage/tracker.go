// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentworks/gateway/cache"
	"agentworks/gateway/shared/logger"
)

// Tracker records completed requests. Every method is best-effort:
// failures are logged and absorbed, never propagated, so accounting can
// never fail a caller's request.
type Tracker struct {
	store    *cache.Store
	recorder *Recorder
	log      *logger.Logger

	latencies map[string]*latencyWindow
	errors    map[string]int64
	mu        sync.Mutex
}

// NewTracker creates a tracker over the given store. recorder may be
// nil when no billing database is configured.
func NewTracker(store *cache.Store, recorder *Recorder) *Tracker {
	return &Tracker{
		store:     store,
		recorder:  recorder,
		log:       logger.New("usage-tracker"),
		latencies: make(map[string]*latencyWindow),
		errors:    make(map[string]int64),
	}
}

// TrackUsage records one completed request: a short-TTL read-back cache
// entry for immediate dashboard reads, an event on the aggregation
// queue, and (when configured) a fire-and-forget durable write.
func (t *Tracker) TrackUsage(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	entry := RecentEntry{
		InputTokens:  event.InputTokens,
		OutputTokens: event.OutputTokens,
		CostUSD:      event.CostUSD,
		PriceUSD:     event.PriceUSD,
		Timestamp:    event.Timestamp,
	}
	if err := t.store.SetJSON(ctx, RecentKey(event.WorkspaceID, event.Provider, event.Model), entry, RecentEntryTTL); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		t.log.Warn(event.WorkspaceID, event.ID, "Failed to write read-back entry", map[string]interface{}{"error": err.Error()})
	}

	if err := t.store.PushJSON(ctx, QueueKey, event); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		t.log.Warn(event.WorkspaceID, event.ID, "Failed to queue usage event", map[string]interface{}{"error": err.Error()})
	}

	if t.recorder != nil {
		go t.recorder.Record(event)
	}
}

// RecordLatency adds one latency sample to the provider's bounded
// rolling window and recomputes the mean.
func (t *Tracker) RecordLatency(provider string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.latencies[provider]
	if w == nil {
		w = newLatencyWindow(latencyWindowSize)
		t.latencies[provider] = w
	}
	w.add(ms)
}

// LatencyMean returns the provider's current rolling mean latency in
// milliseconds, or 0 with no samples.
func (t *Tracker) LatencyMean(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.latencies[provider]
	if w == nil {
		return 0
	}
	return w.mean
}

// RecordError counts one provider failure for the stats blob.
func (t *Tracker) RecordError(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors[provider]++
}

// takeErrors drains the error counters accumulated since the last
// aggregation pass.
func (t *Tracker) takeErrors() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.errors
	t.errors = make(map[string]int64)
	return drained
}

// latencyWindow is a fixed-size ring of latency samples with an
// incrementally maintained mean.
type latencyWindow struct {
	samples []float64
	next    int
	filled  bool
	sum     float64
	mean    float64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(ms float64) {
	if w.filled {
		w.sum -= w.samples[w.next]
	}
	w.samples[w.next] = ms
	w.sum += ms

	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	w.mean = w.sum / float64(n)
}
