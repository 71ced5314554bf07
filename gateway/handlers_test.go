// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentworks/gateway/cache"
	"agentworks/gateway/config"
	"agentworks/gateway/health"
	"agentworks/gateway/llm"
	"agentworks/gateway/pricing"
	"agentworks/gateway/ratelimit"
	"agentworks/gateway/shared/logger"
	"agentworks/gateway/usage"
)

// stubAdapter is a canned-response llm.Adapter for handler tests.
type stubAdapter struct {
	name     string
	response *llm.Response
	tokens   []llm.StreamToken
	err      error
	gotOpts  llm.Options
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	s.gotOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *stubAdapter) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamToken, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.StreamToken, len(s.tokens))
	for _, tok := range s.tokens {
		ch <- tok
	}
	close(ch)
	return ch, nil
}

func (s *stubAdapter) ResetClient() {}

func testServer(t *testing.T, adapters ...llm.Adapter) (*Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	store := cache.NewWithClient(client)

	registry := llm.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}

	table := pricing.NewTable()
	tracker := usage.NewTracker(store, nil)
	healthTracker := health.NewTracker(store)

	cfg := &config.Config{
		Port:      "0",
		RateLimit: config.RateLimitConfig{MaxRequests: 100, Window: time.Minute},
	}

	return &Server{
		cfg:     cfg,
		router:  llm.NewRouter(registry, table, llm.WithUsageTracker(tracker), llm.WithHealthTracker(healthTracker)),
		store:   store,
		table:   table,
		tracker: tracker,
		limiter: ratelimit.NewLimiter(store),
		healthT: healthTracker,
		log:     logger.New("gateway-test"),
	}, mr
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleComplete_Success(t *testing.T) {
	srv, _ := testServer(t, &stubAdapter{
		name:     "openai",
		response: &llm.Response{Model: "gpt-4o", Content: "hello back", Usage: llm.NewUsage(10, 5)},
	})

	rec := doJSON(t, srv, "POST", "/api/v1/complete", `{
		"workspace_id": "ws-1",
		"provider": "openai",
		"messages": [{"role": "user", "content": "hello"}],
		"options": {"model": "gpt-4o"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp llm.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.000075, resp.CostUSD, 1e-12)
}

func TestHandleComplete_OmittedTemperatureStaysUnset(t *testing.T) {
	stub := &stubAdapter{
		name:     "openai",
		response: &llm.Response{Model: "gpt-4o", Usage: llm.NewUsage(1, 1)},
	}
	srv, _ := testServer(t, stub)

	// No temperature in the body: the adapter must see the unset
	// sentinel, not an explicit 0.0.
	rec := doJSON(t, srv, "POST", "/api/v1/complete", `{
		"workspace_id": "ws-1",
		"provider": "openai",
		"messages": [{"role": "user", "content": "hi"}],
		"options": {"model": "gpt-4o"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -1.0, stub.gotOpts.Temperature)

	// A body without an options object at all behaves the same way.
	rec = doJSON(t, srv, "POST", "/api/v1/complete", `{
		"workspace_id": "ws-1",
		"provider": "openai",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -1.0, stub.gotOpts.Temperature)

	// An explicit 0.0 survives the decode untouched.
	rec = doJSON(t, srv, "POST", "/api/v1/complete", `{
		"workspace_id": "ws-1",
		"provider": "openai",
		"messages": [{"role": "user", "content": "hi"}],
		"options": {"temperature": 0}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, stub.gotOpts.Temperature)
}

func TestHandleComplete_UnknownProvider(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/complete", `{
		"workspace_id": "ws-1",
		"provider": "mystery",
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_provider")
}

func TestHandleComplete_Validation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/complete", `{"provider": "openai"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/complete", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleComplete_RateLimited(t *testing.T) {
	srv, _ := testServer(t, &stubAdapter{
		name:     "openai",
		response: &llm.Response{Model: "gpt-4o", Usage: llm.NewUsage(1, 1)},
	})
	srv.cfg.RateLimit.MaxRequests = 2

	body := `{"workspace_id": "ws-1", "provider": "openai", "messages": [{"role": "user", "content": "x"}]}`
	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv, "POST", "/api/v1/complete", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, srv, "POST", "/api/v1/complete", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestHandleStream_SSETerminalEvent(t *testing.T) {
	srv, _ := testServer(t, &stubAdapter{
		name: "openai",
		tokens: []llm.StreamToken{
			{Type: llm.StreamTokenContent, Content: "Hel"},
			{Type: llm.StreamTokenContent, Content: "lo"},
			llm.DoneToken(llm.NewUsage(3, 2)),
		},
	})

	rec := doJSON(t, srv, "POST", "/api/v1/stream", `{
		"workspace_id": "ws-1",
		"provider": "openai",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events []map[string]any
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "token", events[0]["type"])
	assert.Equal(t, "done", events[2]["type"])
}

func TestHandleEstimate(t *testing.T) {
	srv, _ := testServer(t, &stubAdapter{name: "openai"})

	rec := doJSON(t, srv, "GET", "/api/v1/estimate?provider=openai&model=gpt-4o&input_tokens=10&output_tokens=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 0.000075, resp["cost_usd"].(float64), 1e-12)
	assert.InDelta(t, 0.00009, resp["price_usd"].(float64), 1e-12)
}

func TestHandleEstimate_UnknownProvider(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/estimate?provider=mystery", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUsage(t *testing.T) {
	srv, _ := testServer(t)
	ctx := context.Background()

	agg := usage.NewWorkspaceAggregate()
	agg.Apply(usage.Event{WorkspaceID: "ws-1", Provider: "openai", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50})
	require.NoError(t, srv.store.SetJSON(ctx, usage.WorkspaceKey("ws-1"), agg, time.Hour))

	rec := doJSON(t, srv, "GET", "/api/v1/usage/ws-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got usage.WorkspaceAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(150), got.TotalTokens)
}

func TestHandleRateLimitCheck(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/ratelimit/check", `{"workspace_id": "ws-1", "max_requests": 3, "window_seconds": 60}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var decision ratelimit.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, decision.Remaining)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t, &stubAdapter{name: "openai"})

	rec := doJSON(t, srv, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["cache"])
	providers := body["providers"].(map[string]any)
	assert.Contains(t, providers, "openai")
}

func TestHandleSynthesize_NotConfigured(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/synthesize", `{"workspace_id": "ws-1", "text": "hello"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
