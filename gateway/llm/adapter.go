// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Adapter translates the internal message/tool/stream contract to and
// from one LLM vendor's API. Implementations must be safe for
// concurrent use: the lazily constructed vendor client is the only
// state shared across overlapping requests.
type Adapter interface {
	// Name returns the provider identifier used for routing, pricing
	// lookups, and usage records (e.g. "openai", "anthropic").
	Name() string

	// Complete performs a blocking completion. Adapter-level failures
	// are returned as *ProviderError carrying the vendor's raw message.
	Complete(ctx context.Context, messages []Message, opts Options) (*Response, error)

	// StreamChat performs a streaming completion. The returned channel
	// yields vendor events in emission order and is closed after
	// exactly one terminal token (done or error). The adapter owns the
	// underlying vendor stream and releases it when the stream ends or
	// ctx is cancelled; a stalled consumer holds back at most one
	// in-flight token.
	StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan StreamToken, error)

	// ResetClient discards the lazily constructed vendor client so the
	// next call builds a fresh one. Used when credentials rotate.
	ResetClient()
}

// streamBuffer is the capacity of adapter stream channels. One slot of
// slack lets the reader goroutine park the next chunk without the HTTP
// body buffering unboundedly behind a slow consumer.
const streamBuffer = 1
