// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"agentworks/gateway/llm"
	"agentworks/gateway/llm/elevenlabs"
	"agentworks/gateway/metrics"
	"agentworks/gateway/usage"
)

// completeRequest is the body of /complete and /stream.
type completeRequest struct {
	WorkspaceID string        `json:"workspace_id"`
	Provider    string        `json:"provider"`
	Messages    []llm.Message `json:"messages"`
	Options     llm.Options   `json:"options"`

	// BYOA asks the gateway to prefer the workspace's own vendor key.
	// When no credential is configured the request falls back to
	// platform keys and normal billing.
	BYOA bool `json:"byoa,omitempty"`
}

type synthesizeRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Text        string  `json:"text"`
	VoiceID     string  `json:"voice_id,omitempty"`
	ModelID     string  `json:"model_id,omitempty"`
	Stability   float64 `json:"stability,omitempty"`
}

type rateLimitRequest struct {
	WorkspaceID   string `json:"workspace_id"`
	MaxRequests   int    `json:"max_requests,omitempty"`
	WindowSeconds int    `json:"window_seconds,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompleteRequest(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, req.WorkspaceID) {
		return
	}

	// BYOA first: a resolved workspace credential bypasses platform
	// keys and zero-rates the usage event.
	if req.BYOA && s.executor != nil {
		resp, err := s.executor.Execute(r.Context(), req.WorkspaceID, req.Provider, req.Messages, req.Options)
		if err != nil {
			s.writeProviderError(w, err)
			return
		}
		if resp != nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	resp, err := s.router.Complete(r.Context(), req.WorkspaceID, req.Provider, req.Messages, req.Options)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream serves a completion as Server-Sent Events. Each stream
// token is one event; the terminal done or error token is always the
// last event before the stream closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompleteRequest(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, req.WorkspaceID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	tokens, err := s.router.Stream(r.Context(), req.WorkspaceID, req.Provider, req.Messages, req.Options)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for tok := range tokens {
		payload := tok
		if tok.Type == llm.StreamTokenError && tok.Err != nil {
			// The error itself does not serialize; surface its message.
			payload.Content = tok.Err.Error()
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "voice synthesis not configured"})
		return
	}

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.WorkspaceID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workspace_id and text are required"})
		return
	}
	if !s.allow(w, r, req.WorkspaceID) {
		return
	}

	start := time.Now()
	result, err := s.voice.Synthesize(r.Context(), req.Text, elevenlabs.SynthesisOptions{
		VoiceID:   req.VoiceID,
		ModelID:   req.ModelID,
		Stability: req.Stability,
	})
	latency := time.Since(start)
	if err != nil {
		metrics.RecordRequest("elevenlabs", "error", latency)
		s.tracker.RecordError("elevenlabs")
		s.writeProviderError(w, err)
		return
	}

	metrics.RecordRequest("elevenlabs", "success", latency)
	s.tracker.RecordLatency("elevenlabs", float64(latency.Milliseconds()))
	s.trackSynthesis(req.WorkspaceID, result)

	contentType := result.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	model := q.Get("model")
	inputTokens, _ := strconv.Atoi(q.Get("input_tokens"))
	outputTokens, _ := strconv.Atoi(q.Get("output_tokens"))

	if provider == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "provider is required"})
		return
	}

	cost, price, err := s.router.Estimate(provider, model, inputTokens, outputTokens)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider":      provider,
		"model":         model,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      cost,
		"price_usd":     price,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspace_id"]

	agg, err := usage.GetWorkspaceUsage(r.Context(), s.store, workspaceID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "usage data unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	providers := s.router.Registry().List()
	if raw := r.URL.Query().Get("providers"); raw != "" {
		providers = strings.Split(raw, ",")
	}

	stats, err := usage.GetProviderStats(r.Context(), s.store, providers)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "provider stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.WorkspaceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workspace_id is required"})
		return
	}

	maxRequests := req.MaxRequests
	if maxRequests <= 0 {
		maxRequests = s.cfg.RateLimit.MaxRequests
	}
	window := s.cfg.RateLimit.Window
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds) * time.Second
	}

	decision := s.limiter.Check(r.Context(), req.WorkspaceID, maxRequests, window)
	if !decision.Allowed {
		metrics.RateLimited.Inc()
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := map[string]any{}
	for _, name := range s.router.Registry().List() {
		status := s.healthT.GetStatus(r.Context(), name)
		providers[name] = map[string]any{
			"healthy":  status.Healthy,
			"failures": s.healthT.Failures(r.Context(), name),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"cache":     s.store.Available(),
		"providers": providers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeCompleteRequest parses and validates the shared completion
// request body.
func (s *Server) decodeCompleteRequest(w http.ResponseWriter, r *http.Request) (*completeRequest, bool) {
	// A body that omits temperature must decode as unset (-1), not as
	// an explicit 0.0, so adapters apply their provider defaults.
	req := completeRequest{Options: llm.Options{Temperature: -1}}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return nil, false
	}
	if req.WorkspaceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workspace_id is required"})
		return nil, false
	}
	if req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "provider is required"})
		return nil, false
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "messages are required"})
		return nil, false
	}
	return &req, true
}

// allow applies the per-workspace rate limit and writes the 429 when
// the window is exhausted.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	decision := s.limiter.Check(r.Context(), workspaceID, s.cfg.RateLimit.MaxRequests, s.cfg.RateLimit.Window)
	if decision.Allowed {
		return true
	}

	metrics.RateLimited.Inc()
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetTime.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
	return false
}

// trackSynthesis records a voice synthesis as a usage event; the billed
// characters ride in the output-token column.
func (s *Server) trackSynthesis(workspaceID string, result *elevenlabs.Result) {
	cost := s.table.Cost("elevenlabs", result.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	event := usage.Event{
		WorkspaceID:  workspaceID,
		Provider:     "elevenlabs",
		Model:        result.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CostUSD:      cost,
		PriceUSD:     s.table.Price(cost),
		Timestamp:    time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.tracker.TrackUsage(ctx, event)
	}()
}

// writeProviderError maps adapter and router errors onto HTTP statuses.
func (s *Server) writeProviderError(w http.ResponseWriter, err error) {
	var unknown *llm.UnknownProviderError
	if errors.As(err, &unknown) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "unknown_provider"})
		return
	}

	var unavailable *llm.ProviderUnavailableError
	if errors.As(err, &unavailable) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "provider_unavailable"})
		return
	}

	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		status := http.StatusBadGateway
		if perr.IsRateLimit() {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, errorResponse{Error: perr.Message, Code: perr.Code})
		return
	}

	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
