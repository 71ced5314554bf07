// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

package gemini

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
// Schema Conversion Tests
// =============================================================================

func TestConvertSchema_UpperCasesTypes(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string", "description": "City name"},
			"count": map[string]any{"type": "integer"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"nested": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"flag": map[string]any{"type": "boolean"},
				},
				"required": []any{"flag"},
			},
		},
		"required": []any{"city"},
	}

	got := ConvertSchema(schema)

	assert.Equal(t, "OBJECT", got["type"])
	assert.Equal(t, []any{"city"}, got["required"])

	props := got["properties"].(map[string]any)
	city := props["city"].(map[string]any)
	assert.Equal(t, "STRING", city["type"])
	assert.Equal(t, "City name", city["description"])
	assert.Equal(t, "INTEGER", props["count"].(map[string]any)["type"])

	tags := props["tags"].(map[string]any)
	assert.Equal(t, "ARRAY", tags["type"])
	assert.Equal(t, "STRING", tags["items"].(map[string]any)["type"])

	nested := props["nested"].(map[string]any)
	assert.Equal(t, "OBJECT", nested["type"])
	assert.Equal(t, "BOOLEAN", nested["properties"].(map[string]any)["flag"].(map[string]any)["type"])
	assert.Equal(t, []any{"flag"}, nested["required"])
}

func TestConvertSchema_Nil(t *testing.T) {
	assert.Nil(t, ConvertSchema(nil))
}

func TestConvertSchema_DoesNotMutateInput(t *testing.T) {
	schema := map[string]any{"type": "string"}
	_ = ConvertSchema(schema)
	assert.Equal(t, "string", schema["type"])
}

func TestConvertSchema_DepthBounded(t *testing.T) {
	// Build a schema nested deeper than the conversion limit.
	leaf := map[string]any{"type": "string"}
	schema := leaf
	for i := 0; i < maxSchemaDepth+5; i++ {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"inner": schema},
		}
	}

	converted := ConvertSchema(schema)

	// The top levels convert; traversal terminates instead of recursing
	// forever, leaving the deepest levels untouched.
	assert.Equal(t, "OBJECT", converted["type"])
	current := converted
	depth := 0
	for {
		props, ok := current["properties"].(map[string]any)
		if !ok {
			break
		}
		inner, ok := props["inner"].(map[string]any)
		if !ok {
			break
		}
		current = inner
		depth++
	}
	assert.Equal(t, "string", current["type"])
	assert.Greater(t, depth, maxSchemaDepth-1)
}

// =============================================================================
// Request Building Tests
// =============================================================================

func TestBuildRequest_SystemInstruction(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hi"}]}}],
		"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 1}
	}`), nil)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "Answer in French."},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "bonjour"},
		{Role: llm.RoleUser, Content: "again"},
	}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	si := body["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	assert.Equal(t, "Answer in French.", parts[0].(map[string]any)["text"])

	contents := body["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
}

func TestBuildRequest_ToolResultAsFunctionResponse(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"candidates": [{"content": {"parts": [{"text": "done"}]}}],
		"usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 1}
	}`), nil)

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "weather?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call-abc", Name: "get_weather", Arguments: map[string]any{"city": "Oslo"}},
		}},
		{Role: llm.RoleTool, ToolCallID: "call-abc", Content: `{"temp": 12}`},
	}
	_, err = adapter.Complete(context.Background(), messages, llm.Options{})
	require.NoError(t, err)

	body := capturedRequest(t, mockClient)
	contents := body["contents"].([]any)
	require.Len(t, contents, 3)

	last := contents[2].(map[string]any)
	fr := last["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	assert.Equal(t, "get_weather", fr["name"])
	assert.Equal(t, map[string]any{"temp": float64(12)}, fr["response"])
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
		"candidates": [{"content": {"role": "model", "parts": [{"text": "Bonjour"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 6, "candidatesTokenCount": 3, "totalTokenCount": 9}
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{Model: "gemini-1.5-pro"})
	require.NoError(t, err)

	assert.Equal(t, "Bonjour", resp.Content)
	assert.Equal(t, "google", resp.Provider)
	assert.Equal(t, 6, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestComplete_FunctionCall(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"candidates": [{"content": {"parts": [
			{"functionCall": {"name": "get_weather", "args": {"city": "Berlin"}}}
		]}}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 5}
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "weather?"}}, llm.Options{})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"city": "Berlin"}, resp.ToolCalls[0].Arguments)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
}

func TestComplete_MissingUsageEstimated(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(200, `{
		"candidates": [{"content": {"parts": [{"text": "reply text"}]}}]
	}`), nil)

	resp, err := adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "twelve chars"}}, llm.Options{})
	require.NoError(t, err)

	assert.True(t, resp.Usage.Estimated)
	assert.Equal(t, 3, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestComplete_APIError(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(429, `{
		"error": {"code": 429, "message": "Quota exceeded", "status": "RESOURCE_EXHAUSTED"}
	}`), nil)

	_, err = adapter.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "RESOURCE_EXHAUSTED", perr.Code)
	assert.True(t, perr.IsRateLimit())
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestStreamChat_ChunksAndUsage(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"candidates": [{"content": {"parts": [{"text": "Bon"}]}}]}`,
		`{"candidates": [{"content": {"parts": [{"text": "jour"}]}}], "usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2}}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	require.Len(t, got, 3)
	assert.Equal(t, "Bon", got[0].Content)
	assert.Equal(t, "jour", got[1].Content)

	last := got[2]
	assert.Equal(t, llm.StreamTokenDone, last.Type)
	assert.Equal(t, 4, last.Usage.InputTokens)
	assert.Equal(t, 2, last.Usage.OutputTokens)
	assert.False(t, last.Usage.Estimated)
}

func TestStreamChat_MissingUsageEstimated(t *testing.T) {
	adapter, err := New(Config{APIKey: "key"})
	require.NoError(t, err)

	mockClient := new(MockHTTPClient)
	adapter.SetHTTPClient(mockClient)
	mockClient.On("Do", mock.Anything).Return(sseResponse(
		`{"candidates": [{"content": {"parts": [{"text": "streamed body"}]}}]}`,
	), nil)

	tokens, err := adapter.StreamChat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, llm.Options{})
	require.NoError(t, err)

	got := collect(t, tokens)
	last := got[len(got)-1]
	require.Equal(t, llm.StreamTokenDone, last.Type)
	assert.True(t, last.Usage.Estimated)
}
