// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package elevenlabs provides the voice synthesis adapter. ElevenLabs
// bills per input character, so synthesis usage is recorded with the
// character count in the output-token column and priced from the
// per-character pricing table entry.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"agentworks/gateway/llm"
)

const (
	// DefaultBaseURL is the default ElevenLabs API endpoint.
	DefaultBaseURL = "https://api.elevenlabs.io"

	// DefaultTimeout is the default HTTP timeout. Synthesis of long
	// passages can take a while.
	DefaultTimeout = 60 * time.Second

	// DefaultModelID is used when the request does not name one.
	DefaultModelID = "eleven_multilingual_v2"

	// DefaultVoiceID is the stock "Rachel" voice.
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter is the ElevenLabs voice synthesis client. It is not a chat
// adapter; it shares the gateway's credential, pricing, and usage
// plumbing but exposes a synthesis call instead of completions.
type Adapter struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	timeout time.Duration

	client HTTPClient
	mu     sync.Mutex
}

// Config contains configuration for the ElevenLabs adapter.
type Config struct {
	APIKey  string        // Required: ElevenLabs API key
	BaseURL string        // Optional: API base URL
	VoiceID string        // Optional: default voice
	ModelID string        // Optional: default synthesis model
	Timeout time.Duration // Optional: HTTP timeout (default: 60s)
}

// SynthesisOptions overrides per-request synthesis parameters.
type SynthesisOptions struct {
	VoiceID   string  // Optional: overrides the adapter default
	ModelID   string  // Optional: overrides the adapter default
	Stability float64 // Optional: 0..1 voice stability
}

// Result is a completed synthesis: the audio payload plus the usage
// record for accounting. Characters land in OutputTokens.
type Result struct {
	Audio       []byte
	ContentType string
	Model       string
	Usage       llm.Usage
}

// New creates a new ElevenLabs adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		voiceID: cfg.VoiceID,
		modelID: cfg.ModelID,
		timeout: cfg.Timeout,
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return "elevenlabs"
}

// ResetClient discards the lazily constructed HTTP client.
func (a *Adapter) ResetClient() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
}

// SetHTTPClient sets a custom HTTP client for testing.
func (a *Adapter) SetHTTPClient(client HTTPClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = client
}

func (a *Adapter) getClient() HTTPClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		a.client = &http.Client{Timeout: a.timeout}
	}
	return a.client
}

// Synthesize converts text to speech and returns the audio payload with
// a usage record counting the billed characters.
func (a *Adapter) Synthesize(ctx context.Context, text string, opts SynthesisOptions) (*Result, error) {
	if text == "" {
		return nil, fmt.Errorf("synthesis text is required")
	}

	voiceID := opts.VoiceID
	if voiceID == "" {
		voiceID = a.voiceID
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = a.modelID
	}

	apiReq := synthesisRequest{Text: text, ModelID: modelID}
	if opts.Stability > 0 {
		apiReq.VoiceSettings = &voiceSettings{Stability: opts.Stability, SimilarityBoost: 0.75}
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", a.baseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", a.apiKey)
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := a.getClient().Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError("elevenlabs", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, a.parseAPIError(resp.StatusCode, raw)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewProviderError("elevenlabs", fmt.Errorf("failed to read audio: %w", err))
	}

	// Billing is per input character; the usage record carries the
	// count in OutputTokens so the shared accounting path applies.
	usage := llm.NewUsage(0, len(text))

	return &Result{
		Audio:       audio,
		ContentType: resp.Header.Get("Content-Type"),
		Model:       modelID,
		Usage:       usage,
	}, nil
}

// parseAPIError parses an API error response.
func (a *Adapter) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}

	perr := &llm.ProviderError{
		Provider:   "elevenlabs",
		StatusCode: statusCode,
		Message:    string(body),
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Detail.Message != "" {
		perr.Code = errResp.Detail.Status
		perr.Message = errResp.Detail.Message
	}
	return perr
}

// Wire types

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}
