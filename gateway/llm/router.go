// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"time"

	"agentworks/gateway/health"
	"agentworks/gateway/metrics"
	"agentworks/gateway/pricing"
	"agentworks/gateway/shared/logger"
	"agentworks/gateway/usage"
)

// trackTimeout bounds the background accounting write after a request
// finishes; it must not inherit the request context, which is usually
// already done by then.
const trackTimeout = 5 * time.Second

// Router dispatches completion requests to registered adapters and owns
// the cross-cutting bookkeeping around each dispatch: cost and price
// derivation, usage tracking, health counters, and metrics. Accounting
// is strictly best-effort; only adapter errors reach the caller.
type Router struct {
	registry *Registry
	table    *pricing.Table
	tracker  *usage.Tracker
	health   *health.Tracker
	log      *logger.Logger

	// failureThreshold short-circuits dispatch once a provider's rolling
	// failure count reaches it. Zero disables the check and leaves the
	// counters advisory.
	failureThreshold int64
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithUsageTracker wires usage accounting into dispatches.
func WithUsageTracker(t *usage.Tracker) RouterOption {
	return func(r *Router) {
		r.tracker = t
	}
}

// WithHealthTracker wires provider failure counters into dispatches.
func WithHealthTracker(t *health.Tracker) RouterOption {
	return func(r *Router) {
		r.health = t
	}
}

// WithFailureThreshold enables dispatch short-circuiting at the given
// rolling failure count. Zero keeps the counters observability-only.
func WithFailureThreshold(n int64) RouterOption {
	return func(r *Router) {
		r.failureThreshold = n
	}
}

// NewRouter creates a router over the given registry and pricing table.
func NewRouter(registry *Registry, table *pricing.Table, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		table:    table,
		log:      logger.New("llm-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the underlying adapter registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Complete routes a blocking completion to the named provider. The
// returned response carries the vendor cost computed against the
// pricing table in effect at response time.
func (r *Router) Complete(ctx context.Context, workspaceID, provider string, messages []Message, opts Options) (*Response, error) {
	adapter, err := r.precheck(ctx, provider, messages)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Complete(ctx, messages, opts)
	latency := time.Since(start)

	if err != nil {
		r.recordFailure(ctx, provider, workspaceID, err)
		metrics.RecordRequest(provider, "error", latency)
		return nil, err
	}

	cost := r.table.Cost(provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	resp.CostUSD = cost
	resp.Provider = provider

	r.recordSuccess(ctx, provider, workspaceID, resp.Model, resp.Usage, cost, latency)
	metrics.RecordRequest(provider, "success", latency)
	metrics.RecordTokens(provider, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	return resp, nil
}

// Stream routes a streaming completion. Tokens pass through unchanged;
// the router observes the terminal token to settle accounting, so the
// caller sees exactly the adapter's stream.
func (r *Router) Stream(ctx context.Context, workspaceID, provider string, messages []Message, opts Options) (<-chan StreamToken, error) {
	adapter, err := r.precheck(ctx, provider, messages)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	inner, err := adapter.StreamChat(ctx, messages, opts)
	if err != nil {
		r.recordFailure(ctx, provider, workspaceID, err)
		metrics.RecordRequest(provider, "error", time.Since(start))
		return nil, err
	}

	out := make(chan StreamToken, streamBuffer)
	model := opts.Model
	if model == "" {
		// Streams never report the dispatched model back, so resolve the
		// adapter default up front; accounting must not fall to the
		// wildcard pricing row for default-model requests.
		if d, ok := adapter.(interface{ DefaultModel() string }); ok {
			model = d.DefaultModel()
		}
	}

	go func() {
		defer close(out)
		for tok := range inner {
			switch tok.Type {
			case StreamTokenDone:
				latency := time.Since(start)
				var u Usage
				if tok.Usage != nil {
					u = *tok.Usage
				}
				cost := r.table.Cost(provider, model, u.InputTokens, u.OutputTokens)
				r.recordSuccess(ctx, provider, workspaceID, model, u, cost, latency)
				metrics.RecordRequest(provider, "success", latency)
				metrics.RecordTokens(provider, u.InputTokens, u.OutputTokens)

			case StreamTokenError:
				r.recordFailure(ctx, provider, workspaceID, tok.Err)
				metrics.RecordRequest(provider, "error", time.Since(start))
			}

			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Estimate computes pre-flight cost and price for hypothetical token
// counts. Unknown providers return an error rather than a silent zero.
func (r *Router) Estimate(provider, model string, inputTokens, outputTokens int) (cost, price float64, err error) {
	if !r.registry.Has(provider) {
		return 0, 0, &UnknownProviderError{Provider: provider}
	}
	cost, price = r.table.Estimate(provider, model, inputTokens, outputTokens)
	return cost, price, nil
}

// precheck validates the conversation, resolves the adapter, and
// applies the optional failure-threshold short circuit.
func (r *Router) precheck(ctx context.Context, provider string, messages []Message) (Adapter, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, err
	}

	adapter, err := r.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	if r.failureThreshold > 0 && r.health != nil {
		if failures := r.health.Failures(ctx, provider); failures >= r.failureThreshold {
			metrics.RequestsTotal.WithLabelValues(provider, "unavailable").Inc()
			return nil, &ProviderUnavailableError{Provider: provider, Failures: failures}
		}
	}

	return adapter, nil
}

func (r *Router) recordSuccess(ctx context.Context, provider, workspaceID, model string, u Usage, cost float64, latency time.Duration) {
	if r.health != nil {
		r.health.RecordSuccess(ctx, provider)
	}
	if r.tracker == nil {
		return
	}

	r.tracker.RecordLatency(provider, float64(latency.Milliseconds()))

	event := usage.Event{
		WorkspaceID:  workspaceID,
		Provider:     provider,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		PriceUSD:     r.table.Price(cost),
		Estimated:    u.Estimated,
		Timestamp:    time.Now().UTC(),
	}

	go func() {
		trackCtx, cancel := context.WithTimeout(context.Background(), trackTimeout)
		defer cancel()
		r.tracker.TrackUsage(trackCtx, event)
	}()
}

func (r *Router) recordFailure(ctx context.Context, provider, workspaceID string, err error) {
	if r.health != nil {
		r.health.RecordFailure(ctx, provider)
	}
	if r.tracker != nil {
		r.tracker.RecordError(provider)
	}
	if err != nil {
		r.log.Error(workspaceID, "", "Provider dispatch failed", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
	}
}
