// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentworks/gateway/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func sseResponse(events ...string) *http.Response {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
	}
}

func capturedRequest(t *testing.T, client *MockHTTPClient) map[string]any {
	t.Helper()
	req := client.Calls[0].Arguments.Get(0).(*http.Request)
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func collect(t *testing.T, tokens <-chan llm.StreamToken) []llm.StreamToken {
	t.Helper()
	var out []llm.StreamToken
	for tok := range tokens {
		out = append(out, tok)
	}
	return out
}

// =============================================================================
// Adapter Creation Tests
// =============================================================================

func TestNew_Success(t *testing.T) {
	adapter, err := New(Config{APIKey: "test-api-key"})

	require.NoError(t, err)
	assert.Equal(t, "openai", adapter.Name())
	assert.Equal(t, DefaultBaseURL, adapter.baseURL)
	assert.Equal(t, DefaultModel, adapter.model)
}

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// =============================================================================
// Request Building Tests
// =============================================================================

func TestBuildRequest_SystemStaysInline(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": "hi"}}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
	}`), nil)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "Be terse."},
		{Role: llm.RoleUser, Content: "hello"},
	}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	apiMessages := body["messages"].([]any)
	require.Len(t, apiMessages, 2)
	assert.Equal(t, "system", apiMessages[0].(map[string]any)["role"])
	assert.Equal(t, "Be terse.", apiMessages[0].(map[string]any)["content"])
}

func TestBuildRequest_UnsetTemperatureUsesDefault(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"choices": [{"message": {"role": "assistant", "content": "hi"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`), nil)

	// Temperature below zero means unset.
	messages := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{Temperature: -1})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	assert.Equal(t, 0.7, body["temperature"])
}

func TestBuildRequest_ZeroTemperatureIsExplicit(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"choices": [{"message": {"role": "assistant", "content": "hi"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`), nil)

	messages := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{Temperature: 0})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	assert.Equal(t, 0.0, body["temperature"])
}

func TestBuildRequest_ToolRoundTrip(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"choices": [{"message": {"role": "assistant", "content": "ok"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`), nil)

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "weather?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "Oslo"}},
		}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: "sunny"},
	}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	apiMessages := body["messages"].([]any)
	require.Len(t, apiMessages, 3)

	assistant := apiMessages[1].(map[string]any)
	toolCalls := assistant["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)
	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city": "Oslo"}`, fn["arguments"].(string))

	tool := apiMessages[2].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_1", tool["tool_call_id"])
	assert.Equal(t, "sunny", tool["content"])
}

func TestBuildRequest_StreamRequestsUsage(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	require.NoError(t, err)
	collect(t, tokens)

	body := capturedRequest(t, mockClient)
	assert.Equal(t, true, body["stream"])
	streamOpts := body["stream_options"].(map[string]any)
	assert.Equal(t, true, streamOpts["include_usage"])
}

// =============================================================================
// Complete Tests
// =============================================================================

func TestComplete_TextAndUsage(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"model": "gpt-4o-2024-08-06",
		"choices": [{"message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{Model: "gpt-4o"})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestComplete_ToolCallArguments(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"choices": [{"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "search", "arguments": "{\"q\": \"go\"}"}}]
		}}],
		"usage": {"prompt_tokens": 8, "completion_tokens": 12, "total_tokens": 20}
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "find go"}}, llm.Options{})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_9", resp.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"q": "go"}, resp.ToolCalls[0].Arguments)
}

func TestComplete_MissingUsageEstimated(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"choices": [{"message": {"role": "assistant", "content": "twelve chars"}}]
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "twenty characters in"}}, llm.Options{})
	require.NoError(t, err)

	assert.True(t, resp.Usage.Estimated)
	assert.Equal(t, 5, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	assert.Equal(t, resp.Usage.InputTokens+resp.Usage.OutputTokens, resp.Usage.TotalTokens)
}

func TestComplete_APIError(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(401, `{
		"error": {"type": "invalid_request_error", "code": "invalid_api_key", "message": "Incorrect API key"}
	}`), nil)

	_, err = adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 401, perr.StatusCode)
	assert.Equal(t, "Incorrect API key", perr.Message)
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestStreamChat_ContentDeltas(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"choices": [{"delta": {"content": "Hel"}}]}`,
		`{"choices": [{"delta": {"content": "lo"}}]}`,
		`{"choices": [{"delta": {}, "finish_reason": "stop"}], "usage": null}`,
		`{"choices": [], "usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	require.Len(t, got, 3)
	assert.Equal(t, "Hel", got[0].Content)
	assert.Equal(t, "lo", got[1].Content)

	last := got[2]
	assert.Equal(t, llm.StreamTokenDone, last.Type)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 7, last.Usage.InputTokens)
	assert.Equal(t, 2, last.Usage.OutputTokens)
	assert.False(t, last.Usage.Estimated)
}

func TestStreamChat_ToolCallFragmentsAssembled(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"choices": [{"delta": {"tool_calls": [{"index": 0, "id": "call_3", "function": {"name": "search", "arguments": ""}}]}}]}`,
		`{"choices": [{"delta": {"tool_calls": [{"index": 0, "function": {"arguments": "{\"q\": "}}]}}]}`,
		`{"choices": [{"delta": {"tool_calls": [{"index": 0, "function": {"arguments": "\"go\"}"}}]}}]}`,
		`{"choices": [{"delta": {}, "finish_reason": "tool_calls"}]}`,
		`{"choices": [], "usage": {"prompt_tokens": 4, "completion_tokens": 6, "total_tokens": 10}}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "find"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	require.Len(t, got, 2)
	require.Equal(t, llm.StreamTokenToolCall, got[0].Type)
	assert.Equal(t, "call_3", got[0].ToolCall.ID)
	assert.Equal(t, "search", got[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"q": "go"}, got[0].ToolCall.Arguments)
	assert.Equal(t, llm.StreamTokenDone, got[1].Type)
}

func TestStreamChat_MissingUsageEstimated(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"choices": [{"delta": {"content": "some streamed text"}}]}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hello world"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	last := got[len(got)-1]
	require.Equal(t, llm.StreamTokenDone, last.Type)
	assert.True(t, last.Usage.Estimated)
	assert.Greater(t, last.Usage.TotalTokens, 0)
}

func TestStreamChat_ExactlyOneTerminalToken(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"choices": [{"delta": {"content": "a"}}]}`,
		`{"choices": [], "usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	terminal := 0
	for i, tok := range got {
		if tok.Type == llm.StreamTokenDone || tok.Type == llm.StreamTokenError {
			terminal++
			assert.Equal(t, len(got)-1, i, "terminal token must be last")
		}
	}
	assert.Equal(t, 1, terminal)
}
