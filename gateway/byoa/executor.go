// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package byoa

import (
	"context"
	"time"

	"agentworks/gateway/llm"
	"agentworks/gateway/llm/anthropic"
	"agentworks/gateway/llm/gemini"
	"agentworks/gateway/llm/openai"
	"agentworks/gateway/metrics"
	"agentworks/gateway/usage"
)

// Executor runs completions against workspace-supplied credentials. A
// fresh one-shot adapter is built per request so workspace keys never
// enter the shared registry or outlive the call.
type Executor struct {
	resolver *Resolver
	tracker  *usage.Tracker
}

// NewExecutor creates a BYOA executor. tracker may be nil to skip usage
// recording entirely.
func NewExecutor(resolver *Resolver, tracker *usage.Tracker) *Executor {
	return &Executor{resolver: resolver, tracker: tracker}
}

// Execute resolves the workspace's credential for the provider and runs
// the completion against it. Returns (nil, nil) when no credential is
// configured so the caller can fall back to platform keys. Usage is
// recorded with zero cost and zero price: the vendor bills the
// workspace directly.
func (e *Executor) Execute(ctx context.Context, workspaceID, provider string, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	// Conversation invariants hold on this path too; the router is not
	// in front of a BYOA dispatch.
	if err := llm.ValidateMessages(messages); err != nil {
		return nil, err
	}

	cred := e.resolver.GetCredential(ctx, workspaceID, provider)
	if cred == nil {
		return nil, nil
	}

	adapter, err := newAdapter(provider, cred)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Complete(ctx, messages, opts)
	latency := time.Since(start)

	if err != nil {
		metrics.RecordRequest(provider, "error", latency)
		return nil, err
	}

	resp.CostUSD = 0
	metrics.RecordRequest(provider, "success", latency)
	metrics.RecordTokens(provider, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if e.tracker != nil {
		event := usage.Event{
			WorkspaceID:  workspaceID,
			Provider:     provider,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      0,
			PriceUSD:     0,
			Estimated:    resp.Usage.Estimated,
			Timestamp:    time.Now().UTC(),
			Metadata:     map[string]string{"byoa": "true"},
		}
		go func() {
			trackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			e.tracker.TrackUsage(trackCtx, event)
		}()
	}

	return resp, nil
}

// newAdapter builds a one-shot adapter bound to the resolved credential.
func newAdapter(provider string, cred *Credential) (llm.Adapter, error) {
	switch provider {
	case "openai":
		return openai.New(openai.Config{APIKey: cred.APIKey, BaseURL: cred.BaseURL})
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: cred.APIKey, BaseURL: cred.BaseURL})
	case "google":
		return gemini.New(gemini.Config{APIKey: cred.APIKey, BaseURL: cred.BaseURL})
	default:
		return nil, &llm.UnknownProviderError{Provider: provider}
	}
}
