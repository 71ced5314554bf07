// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package openai provides the provider adapter for OpenAI's Chat
// Completions API with both streaming and non-streaming modes, tool
// calling, and exact token accounting from response metadata.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentworks/gateway/llm"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is used when the request does not name one.
	DefaultModel = "gpt-4o"

	// DefaultTemperature is applied when Options leaves it unset.
	DefaultTemperature = 0.7
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter implements llm.Adapter for OpenAI.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration

	client HTTPClient
	mu     sync.Mutex
}

// Config contains configuration for the OpenAI adapter.
type Config struct {
	APIKey  string        // Required: OpenAI API key
	BaseURL string        // Optional: API base URL (default: https://api.openai.com)
	Model   string        // Optional: default model (default: gpt-4o)
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// New creates a new OpenAI adapter. The HTTP client is constructed
// lazily on first use so credential rotation via ResetClient is cheap.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return "openai"
}

// DefaultModel returns the model dispatched when a request omits one.
func (a *Adapter) DefaultModel() string {
	return a.model
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

// Complete generates a completion for the given conversation.
func (a *Adapter) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	body, model, err := a.buildRequest(messages, opts, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, a.parseAPIError(resp.StatusCode, raw)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError("openai", fmt.Errorf("failed to decode response: %w", err))
	}

	out := &llm.Response{
		Model:    apiResp.Model,
		Provider: "openai",
	}
	if out.Model == "" {
		out.Model = model
	}

	if len(apiResp.Choices) > 0 {
		msg := apiResp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
	}

	if apiResp.Usage != nil {
		out.Usage = llm.NewUsage(apiResp.Usage.PromptTokens, apiResp.Usage.CompletionTokens)
	} else {
		// The vendor failed to report usage: estimate from characters
		// and flag it rather than mis-billing the request as free.
		out.Usage = estimateUsage(messages, out.Content)
	}

	return out, nil
}

// StreamChat generates a streaming completion. The returned channel is
// closed after exactly one terminal token.
func (a *Adapter) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamToken, error) {
	body, _, err := a.buildRequest(messages, opts, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, a.parseAPIError(resp.StatusCode, raw)
	}

	tokens := make(chan llm.StreamToken, 1)
	go a.processStream(ctx, resp.Body, messages, tokens)
	return tokens, nil
}

// processStream owns the response body: it is closed when the stream
// terminates or the consumer's context is cancelled.
func (a *Adapter) processStream(ctx context.Context, body io.ReadCloser, messages []llm.Message, tokens chan<- llm.StreamToken) {
	defer close(tokens)
	defer func() {
		_ = body.Close()
	}()

	// Closing the body on ctx cancellation unblocks the scanner.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	emit := func(tok llm.StreamToken) bool {
		select {
		case tokens <- tok:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Tool-call argument fragments accumulate per choice index and are
	// parsed only once the stream finishes.
	pending := newToolCallBuffer()
	var contentBuilder strings.Builder
	var usage *llm.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Usage != nil {
			u := llm.NewUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
			usage = &u
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if !emit(llm.StreamToken{Type: llm.StreamTokenContent, Content: choice.Delta.Content}) {
				return
			}
		}

		for _, frag := range choice.Delta.ToolCalls {
			pending.append(frag.Index, frag.ID, frag.Function.Name, frag.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(llm.ErrorToken(llm.NewProviderError("openai", fmt.Errorf("stream read error: %w", err))))
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, tc := range pending.finish() {
		call := tc
		if !emit(llm.StreamToken{Type: llm.StreamTokenToolCall, ToolCall: &call}) {
			return
		}
	}

	if usage == nil {
		u := estimateUsage(messages, contentBuilder.String())
		usage = &u
	}
	emit(llm.DoneToken(*usage))
}

// buildRequest converts the internal contract into OpenAI wire shape.
// The system message stays inline in the messages array.
func (a *Adapter) buildRequest(messages []llm.Message, opts llm.Options, stream bool) ([]byte, string, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}

	temperature := opts.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	apiMessages := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == llm.RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return nil, "", fmt.Errorf("failed to encode tool call arguments: %w", err)
			}
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		apiMessages = append(apiMessages, cm)
	}

	apiReq := chatRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: &temperature,
		Stream:      stream,
	}
	if opts.MaxTokens > 0 {
		apiReq.MaxTokens = opts.MaxTokens
	}
	if len(opts.StopSequences) > 0 {
		apiReq.Stop = opts.StopSequences
	}
	if stream {
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, tool := range opts.Tools {
		apiReq.Tools = append(apiReq.Tools, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.getClient().Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError("openai", err)
	}
	return resp, nil
}

// parseAPIError parses an API error response.
func (a *Adapter) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	perr := &llm.ProviderError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    string(body),
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Code = errResp.Error.Type
		perr.Message = errResp.Error.Message
	}
	return perr
}

// decodeToolCall parses an accumulated arguments string. A malformed or
// empty buffer yields an empty-arguments call rather than an error.
func decodeToolCall(id, name, rawArgs string) llm.ToolCall {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			args = map[string]any{}
		}
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// estimateUsage approximates token counts from character length and
// flags the result as estimated.
func estimateUsage(messages []llm.Message, output string) llm.Usage {
	var input strings.Builder
	for _, m := range messages {
		input.WriteString(m.Content)
	}
	u := llm.NewUsage(llm.EstimateTokens(input.String()), llm.EstimateTokens(output))
	u.Estimated = true
	return u
}

// toolCallBuffer accumulates streamed tool-call fragments keyed by
// choice index until the stream's closing boundary.
type toolCallBuffer struct {
	order []int
	calls map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallBuffer() *toolCallBuffer {
	return &toolCallBuffer{calls: make(map[int]*pendingToolCall)}
}

func (b *toolCallBuffer) append(index int, id, name, argsFragment string) {
	tc := b.calls[index]
	if tc == nil {
		tc = &pendingToolCall{}
		b.calls[index] = tc
		b.order = append(b.order, index)
	}
	if id != "" {
		tc.id = id
	}
	if name != "" {
		tc.name = name
	}
	tc.args.WriteString(argsFragment)
}

func (b *toolCallBuffer) finish() []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(b.order))
	for _, idx := range b.order {
		tc := b.calls[idx]
		out = append(out, decodeToolCall(tc.id, tc.name, tc.args.String()))
	}
	return out
}

// Wire types

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}
