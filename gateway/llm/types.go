// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the vendor-agnostic message, tool, and streaming
// contract shared by every provider adapter in the AgentWorks gateway,
// together with the registry and router that dispatch requests to them.
package llm

import (
	"fmt"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation in the internal representation.
// A tool-role message must carry the ToolCallID of a prior assistant
// message's tool call; tool-call IDs are provider-assigned and only
// round-trip to the provider that issued them.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool the model may invoke.
// Parameters is a JSON-Schema-like object; adapters convert it into the
// vendor's own schema dialect.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation emitted by a provider.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Options is the configuration bag for a completion request.
// Every field is optional; adapters supply provider-specific defaults.
// A Temperature below zero means "unset" (0.0 is a valid, deterministic
// setting). MaxTokens of 0 means the provider default.
type Options struct {
	Model         string           `json:"model,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// Usage tracks token counts for billing and monitoring.
// TotalTokens is always InputTokens + OutputTokens; when a provider
// omits one side the missing count is treated as 0. Estimated is set
// when the counts were derived heuristically (e.g. from character
// length) rather than reported by the vendor, so downstream accounting
// can distinguish measured usage from approximations.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// NewUsage builds a Usage with the total invariant enforced.
func NewUsage(inputTokens, outputTokens int) Usage {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	}
}

// Response is the normalized result of a completion.
// Cost is computed once, at response time, from the pricing table in
// effect; it is never re-derived later so historical billing records
// stay stable across pricing updates.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model"`
	Provider  string     `json:"provider"`
	CostUSD   float64    `json:"cost_usd"`
}

// StreamTokenType tags the variant of a StreamToken.
type StreamTokenType string

const (
	StreamTokenContent  StreamTokenType = "token"
	StreamTokenToolCall StreamTokenType = "tool_call"
	StreamTokenDone     StreamTokenType = "done"
	StreamTokenError    StreamTokenType = "error"
)

// StreamToken is one event on a streaming completion. Exactly one done
// or error token terminates a stream and nothing follows it.
type StreamToken struct {
	Type     StreamTokenType `json:"type"`
	Content  string          `json:"content,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Err      error           `json:"-"`
}

// DoneToken builds the terminal success token for a stream.
func DoneToken(usage Usage) StreamToken {
	return StreamToken{Type: StreamTokenDone, Usage: &usage}
}

// ErrorToken builds the terminal failure token for a stream.
func ErrorToken(err error) StreamToken {
	return StreamToken{Type: StreamTokenError, Err: err}
}

// ProviderError is an error returned by a vendor API call. It carries
// the vendor's raw message so callers can surface it unchanged.
type ProviderError struct {
	Provider   string `json:"provider"`
	StatusCode int    `json:"status_code,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRateLimit reports whether the vendor rejected the call for quota.
func (e *ProviderError) IsRateLimit() bool {
	return e.StatusCode == 429 || e.Code == "rate_limit_error" || e.Code == "RESOURCE_EXHAUSTED"
}

// NewProviderError creates a ProviderError wrapping a transport failure.
func NewProviderError(provider string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Message:  cause.Error(),
		Cause:    cause,
	}
}

// UnknownProviderError indicates the requested provider has no
// registered adapter. It is surfaced immediately and never retried.
type UnknownProviderError struct {
	Provider string
}

// Error implements the error interface.
func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q: no adapter registered", e.Provider)
}

// ProviderUnavailableError indicates the router short-circuited a
// request because the provider's failure counter exceeded the
// configured threshold within the rolling window.
type ProviderUnavailableError struct {
	Provider string
	Failures int64
}

// Error implements the error interface.
func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q unavailable: %d recent failures", e.Provider, e.Failures)
}

// ValidateMessages checks conversation-level invariants: at most one
// system message and every tool message referencing a known tool call
// from a preceding assistant turn.
func ValidateMessages(messages []Message) error {
	systemSeen := false
	known := make(map[string]bool)

	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			if systemSeen {
				return fmt.Errorf("message %d: multiple system messages", i)
			}
			systemSeen = true
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				known[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message missing tool_call_id", i)
			}
			if !known[m.ToolCallID] {
				return fmt.Errorf("message %d: tool message references unknown tool call %q", i, m.ToolCallID)
			}
		}
	}
	return nil
}

// SplitSystem hoists the system message out of a conversation for
// vendors that take it as a top-level field (Anthropic, Google). The
// returned slice preserves the order of the remaining messages.
func SplitSystem(messages []Message) (system string, rest []Message) {
	rest = make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// EstimateTokens approximates a token count from character length when
// a vendor fails to report usage. The chars/4 ratio is a rough English
// heuristic, not a tokenizer; any Usage built from it must be flagged
// Estimated.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
