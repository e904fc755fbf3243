package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types exchanged with providers. Providers pass through any other type
// they receive so callers can reject it.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// ErrMalformedResponse marks a provider response that could not be decoded
// into content blocks.
var ErrMalformedResponse = errors.New("malformed provider response")

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	System      []SystemBlock
	// CacheTools asks the provider to cache the tool catalogue prefix.
	CacheTools bool
	// CacheKey identifies the static request prefix (system + tools).
	CacheKey string
}

// SystemBlock is one section of the system prompt. Cache marks the end of a
// cacheable prefix.
type SystemBlock struct {
	Text  string
	Cache bool
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ContentBlock struct {
	Type      string
	Text      string
	ID        string
	Name      string
	Input     json.RawMessage
	ToolUseID string
	Content   string
	IsError   bool
}

type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

type CompletionResponse struct {
	Content    string
	Blocks     []ContentBlock
	Usage      Usage
	Model      string
	StopReason string
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// APIError is a non-success answer from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s api error type=%s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// Retryable reports whether repeating the same request may succeed.
func (e *APIError) Retryable() bool {
	if e.RateLimited() || e.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch e.Type {
	case "overloaded_error", "api_error":
		return true
	}
	return false
}

func joinText(blocks []ContentBlock) string {
	var builder strings.Builder
	for _, block := range blocks {
		if block.Type == BlockTypeText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

func hasToolUseBlock(blocks []ContentBlock) bool {
	for _, block := range blocks {
		if block.Type == BlockTypeToolUse {
			return true
		}
	}
	return false
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}

func cloneRawMessageOrObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}
