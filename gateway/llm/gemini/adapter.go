// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package gemini provides the provider adapter for Google's Gemini
// generateContent API. The system message becomes a systemInstruction,
// tool schemas are converted into Google's upper-case type dialect, and
// missing usage metadata falls back to flagged character estimates.
package gemini

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

	"github.com/google/uuid"

	"agentworks/gateway/llm"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultModel is used when the request does not name one.
	DefaultModel = "gemini-1.5-pro"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Adapter implements llm.Adapter for Google Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration

	client HTTPClient
	mu     sync.Mutex
}

// Config contains configuration for the Gemini adapter.
type Config struct {
	APIKey  string        // Required: Google AI API key
	BaseURL string        // Optional: API base URL
	Model   string        // Optional: default model
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// New creates a new Gemini adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
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

// Name returns the provider name. Routing uses "google"; the Gemini API
// is Google's chat surface.
func (a *Adapter) Name() string {
	return "google"
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
	body, model, err := a.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, model, a.apiKey)
	resp, err := a.post(ctx, url, body)
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

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError("google", fmt.Errorf("failed to decode response: %w", err))
	}

	out := &llm.Response{
		Model:    model,
		Provider: "google",
	}

	if len(apiResp.Candidates) > 0 {
		var content strings.Builder
		for _, part := range apiResp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					// Gemini does not assign call IDs; synthesize one so
					// tool results can round-trip through the contract.
					ID:        "call-" + uuid.NewString(),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
		out.Content = content.String()
	}

	if apiResp.UsageMetadata != nil {
		out.Usage = llm.NewUsage(apiResp.UsageMetadata.PromptTokenCount, apiResp.UsageMetadata.CandidatesTokenCount)
	} else {
		out.Usage = estimateUsage(messages, out.Content)
	}

	return out, nil
}

// StreamChat generates a streaming completion. The returned channel is
// closed after exactly one terminal token.
func (a *Adapter) StreamChat(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamToken, error) {
	body, model, err := a.buildRequest(messages, opts)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL, model, a.apiKey)
	resp, err := a.post(ctx, url, body)
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

// processStream reads SSE chunks; each chunk is a full generateResponse
// with incremental candidate parts. Usage metadata, when present,
// arrives on the trailing chunks.
func (a *Adapter) processStream(ctx context.Context, body io.ReadCloser, messages []llm.Message, tokens chan<- llm.StreamToken) {
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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.UsageMetadata != nil {
			u := llm.NewUsage(chunk.UsageMetadata.PromptTokenCount, chunk.UsageMetadata.CandidatesTokenCount)
			usage = &u
		}

		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				contentBuilder.WriteString(part.Text)
				if !emit(llm.StreamToken{Type: llm.StreamTokenContent, Content: part.Text}) {
					return
				}
			}
			if part.FunctionCall != nil {
				call := llm.ToolCall{
					ID:        "call-" + uuid.NewString(),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				}
				if !emit(llm.StreamToken{Type: llm.StreamTokenToolCall, ToolCall: &call}) {
					return
				}
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		emit(llm.ErrorToken(llm.NewProviderError("google", fmt.Errorf("stream read error: %w", err))))
		return
	}

	if usage == nil {
		u := estimateUsage(messages, contentBuilder.String())
		usage = &u
	}
	emit(llm.DoneToken(*usage))
}

// buildRequest converts the internal contract into Gemini wire shape.
// The system message becomes systemInstruction; assistant turns use the
// "model" role; tool results become functionResponse parts named after
// the call they answer.
func (a *Adapter) buildRequest(messages []llm.Message, opts llm.Options) ([]byte, string, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}

	system, rest := llm.SplitSystem(messages)

	// Gemini addresses tool results by function name, not call ID, so
	// map each call ID back to the name that issued it.
	callNames := make(map[string]string)
	for _, m := range rest {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	contents := make([]apiContent, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case llm.RoleAssistant:
			parts := []apiPart{}
			if m.Content != "" {
				parts = append(parts, apiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, apiPart{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			contents = append(contents, apiContent{Role: "model", Parts: parts})

		case llm.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			contents = append(contents, apiContent{
				Role: "user",
				Parts: []apiPart{{
					FunctionResponse: &functionResponse{
						Name:     callNames[m.ToolCallID],
						Response: response,
					},
				}},
			})

		default:
			contents = append(contents, apiContent{Role: "user", Parts: []apiPart{{Text: m.Content}}})
		}
	}

	apiReq := generateRequest{Contents: contents}
	if system != "" {
		apiReq.SystemInstruction = &apiContent{Parts: []apiPart{{Text: system}}}
	}

	genCfg := &generationConfig{}
	hasCfg := false
	if opts.Temperature >= 0 {
		genCfg.Temperature = &opts.Temperature
		hasCfg = true
	}
	if opts.MaxTokens > 0 {
		genCfg.MaxOutputTokens = opts.MaxTokens
		hasCfg = true
	}
	if len(opts.StopSequences) > 0 {
		genCfg.StopSequences = opts.StopSequences
		hasCfg = true
	}
	if hasCfg {
		apiReq.GenerationConfig = genCfg
	}

	if len(opts.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  ConvertSchema(tool.Parameters),
			})
		}
		apiReq.Tools = []apiTool{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

// maxSchemaDepth bounds schema conversion recursion; levels below it
// pass through unconverted rather than risking a cycle in caller input.
const maxSchemaDepth = 10

// ConvertSchema recursively converts a JSON-Schema-style tool parameter
// object into Gemini's dialect, which spells type names in upper case
// (STRING, OBJECT, INTEGER). Nested properties and array items are
// converted too; required lists and descriptions pass through.
func ConvertSchema(schema map[string]any) map[string]any {
	return convertSchema(schema, 0)
}

func convertSchema(schema map[string]any, depth int) map[string]any {
	if schema == nil {
		return nil
	}
	if depth >= maxSchemaDepth {
		return schema
	}

	out := make(map[string]any, len(schema))
	for key, value := range schema {
		switch key {
		case "type":
			if s, ok := value.(string); ok {
				out[key] = strings.ToUpper(s)
			} else {
				out[key] = value
			}
		case "properties":
			if props, ok := value.(map[string]any); ok {
				converted := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						converted[name] = convertSchema(subSchema, depth+1)
					} else {
						converted[name] = sub
					}
				}
				out[key] = converted
			} else {
				out[key] = value
			}
		case "items":
			if subSchema, ok := value.(map[string]any); ok {
				out[key] = convertSchema(subSchema, depth+1)
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	return out
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.getClient().Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError("google", err)
	}
	return resp, nil
}

// parseAPIError parses an API error response.
func (a *Adapter) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	perr := &llm.ProviderError{
		Provider:   "google",
		StatusCode: statusCode,
		Message:    string(body),
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Code = errResp.Error.Status
		perr.Message = errResp.Error.Message
	}
	return perr
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

// Wire types

type generateRequest struct {
	Contents          []apiContent      `json:"contents"`
	SystemInstruction *apiContent       `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []apiTool         `json:"tools,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type apiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Role  string    `json:"role"`
			Parts []apiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}
