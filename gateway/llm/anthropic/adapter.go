// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package anthropic provides the provider adapter for Anthropic's
// Messages API. The system message is hoisted to the request's system
// field, tool results are grouped into user-turn content blocks, and
// streamed tool-use input arrives as buffered JSON fragments parsed at
// the block boundary.
package anthropic

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
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is used when the request does not name one.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultMaxTokens is applied when Options leaves MaxTokens unset;
	// the Messages API requires the field.
	DefaultMaxTokens = 4096

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter implements llm.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration

	client HTTPClient
	mu     sync.Mutex
}

// Config contains configuration for the Anthropic adapter.
type Config struct {
	APIKey  string        // Required: Anthropic API key
	BaseURL string        // Optional: API base URL (default: https://api.anthropic.com)
	Model   string        // Optional: default model
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// New creates a new Anthropic adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
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
	return "anthropic"
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

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError("anthropic", fmt.Errorf("failed to decode response: %w", err))
	}

	out := &llm.Response{
		Model:    apiResp.Model,
		Provider: "anthropic",
		Usage:    llm.NewUsage(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens),
	}
	if out.Model == "" {
		out.Model = model
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Content = content.String()

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
	go a.processStream(ctx, resp.Body, tokens)
	return tokens, nil
}

// processStream walks the Messages API event sequence: message_start
// carries input tokens, content_block_delta carries text and tool-input
// fragments, content_block_stop closes a tool-use block, message_delta
// carries output tokens, message_stop ends the stream.
func (a *Adapter) processStream(ctx context.Context, body io.ReadCloser, tokens chan<- llm.StreamToken) {
	defer close(tokens)
	defer func() {
		_ = body.Close()
	}()

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

	var (
		inputTokens  int
		outputTokens int
		// Current tool_use block; input_json_delta fragments buffer here
		// until content_block_stop.
		toolID   string
		toolName string
		toolArgs strings.Builder
		inTool   bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				inTool = true
				toolID = event.ContentBlock.ID
				toolName = event.ContentBlock.Name
				toolArgs.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !emit(llm.StreamToken{Type: llm.StreamTokenContent, Content: event.Delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if inTool {
					toolArgs.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if inTool {
				args := map[string]any{}
				if raw := toolArgs.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						args = map[string]any{}
					}
				}
				call := llm.ToolCall{ID: toolID, Name: toolName, Arguments: args}
				inTool = false
				if !emit(llm.StreamToken{Type: llm.StreamTokenToolCall, ToolCall: &call}) {
					return
				}
			}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			emit(llm.DoneToken(llm.NewUsage(inputTokens, outputTokens)))
			return

		case "error":
			perr := &llm.ProviderError{Provider: "anthropic", Message: "stream error"}
			if event.Error != nil {
				perr.Code = event.Error.Type
				perr.Message = event.Error.Message
			}
			emit(llm.ErrorToken(perr))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		emit(llm.ErrorToken(llm.NewProviderError("anthropic", fmt.Errorf("stream read error: %w", err))))
		return
	}

	// The connection closed without message_stop. Report what was
	// counted so far rather than dropping the stream silently.
	emit(llm.DoneToken(llm.NewUsage(inputTokens, outputTokens)))
}

// buildRequest converts the internal contract into Messages API wire
// shape. The system message is hoisted to the top-level system field,
// and runs of consecutive tool-result messages collapse into a single
// user turn of tool_result blocks, which the API requires.
func (a *Adapter) buildRequest(messages []llm.Message, opts llm.Options, stream bool) ([]byte, string, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	system, rest := llm.SplitSystem(messages)

	apiMessages := make([]apiMessage, 0, len(rest))
	for i := 0; i < len(rest); i++ {
		m := rest[i]

		switch m.Role {
		case llm.RoleTool:
			// Consume the whole run of consecutive tool results.
			blocks := []contentBlock{}
			for ; i < len(rest) && rest[i].Role == llm.RoleTool; i++ {
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: rest[i].ToolCallID,
					Content:   rest[i].Content,
				})
			}
			i--
			apiMessages = append(apiMessages, apiMessage{Role: "user", Content: blocks})

		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				apiMessages = append(apiMessages, apiMessage{Role: "assistant", Content: m.Content})
				continue
			}
			blocks := []contentBlock{}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, "", fmt.Errorf("failed to encode tool call arguments: %w", err)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			apiMessages = append(apiMessages, apiMessage{Role: "assistant", Content: blocks})

		default:
			apiMessages = append(apiMessages, apiMessage{Role: "user", Content: m.Content})
		}
	}

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  apiMessages,
		System:    system,
		Stream:    stream,
	}
	if opts.Temperature >= 0 {
		apiReq.Temperature = &opts.Temperature
	}
	if len(opts.StopSequences) > 0 {
		apiReq.StopSequences = opts.StopSequences
	}
	for _, tool := range opts.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := a.getClient().Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError("anthropic", err)
	}
	return resp, nil
}

// parseAPIError parses an API error response.
func (a *Adapter) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	perr := &llm.ProviderError{
		Provider:   "anthropic",
		StatusCode: statusCode,
		Message:    string(body),
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Code = errResp.Error.Type
		perr.Message = errResp.Error.Message
	}
	return perr
}

// Wire types

type messagesRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	Messages      []apiMessage `json:"messages"`
	System        string       `json:"system,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Tools         []apiTool    `json:"tools,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

// apiMessage's Content is either a plain string or a []contentBlock.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string   `json:"stop_reason"`
	Usage      apiUsage `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage apiUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
