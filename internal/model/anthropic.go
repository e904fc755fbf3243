package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
	maxAnthropicBodyBytes    = 4 << 20
)

type AnthropicOption func(*AnthropicProvider)

type AnthropicProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	provider := &AnthropicProvider{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultAnthropicEndpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithAnthropicTimeout bounds a whole request, stream included.
func WithAnthropicTimeout(timeout time.Duration) AnthropicOption {
	return func(p *AnthropicProvider) {
		if timeout > 0 {
			p.client.Timeout = timeout
		}
	}
}

type anthropicCacheControl struct {
	Type string `json:"type"`
}

var ephemeralCache = &anthropicCacheControl{Type: "ephemeral"}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Stream      bool                   `json:"stream"`
	Temperature *float64               `json:"temperature,omitempty"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Tools       []anthropicTool        `json:"tools,omitempty"`
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type anthropicErrorEnvelope struct {
	Error anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if p.apiKey == "" {
		return CompletionResponse{}, errors.New("anthropic api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	payload, err := buildAnthropicRequest(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call anthropic api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResponse{}, parseAnthropicAPIError(resp)
	}

	parsed, err := decodeAnthropicStream(io.LimitReader(resp.Body, maxAnthropicBodyBytes))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return CompletionResponse{}, err
		}
		return CompletionResponse{}, fmt.Errorf("%w: decode anthropic stream: %v", ErrMalformedResponse, err)
	}

	blocks := parseAnthropicBlocks(parsed.Content)
	content := joinText(blocks)
	if len(blocks) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: anthropic response contained no content", ErrMalformedResponse)
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}

	return CompletionResponse{
		Content: content,
		Blocks:  blocks,
		Usage: Usage{
			InputTokens:              parsed.Usage.InputTokens,
			OutputTokens:             parsed.Usage.OutputTokens,
			CacheCreationInputTokens: parsed.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     parsed.Usage.CacheReadInputTokens,
		},
		Model:      modelName,
		StopReason: parsed.StopReason,
	}, nil
}

func buildAnthropicRequest(req CompletionRequest) (anthropicRequest, error) {
	messages, err := buildAnthropicMessages(req.Messages)
	if err != nil {
		return anthropicRequest{}, err
	}
	if len(messages) == 0 {
		return anthropicRequest{}, errors.New("at least one message is required")
	}

	payload := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
		System:    buildAnthropicSystem(req.System),
		Messages:  messages,
		Tools:     buildAnthropicTools(req.Tools, req.CacheTools),
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		payload.Temperature = &temperature
	}
	return payload, nil
}

func buildAnthropicSystem(blocks []SystemBlock) []anthropicSystemBlock {
	built := make([]anthropicSystemBlock, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block.Text) == "" {
			continue
		}
		system := anthropicSystemBlock{Type: BlockTypeText, Text: block.Text}
		if block.Cache {
			system.CacheControl = ephemeralCache
		}
		built = append(built, system)
	}
	if len(built) == 0 {
		return nil
	}
	return built
}

// buildAnthropicMessages converts messages and merges consecutive messages of
// the same role, since the Messages API expects alternating turns.
func buildAnthropicMessages(messages []Message) ([]anthropicMessage, error) {
	built := make([]anthropicMessage, 0, len(messages))
	for _, message := range messages {
		role := strings.ToLower(strings.TrimSpace(string(message.Role)))
		if role != string(RoleUser) && role != string(RoleAssistant) {
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}

		var blocks []anthropicContentBlock
		if len(message.Blocks) > 0 {
			converted, err := toAnthropicBlocks(message.Blocks)
			if err != nil {
				return nil, err
			}
			blocks = converted
		} else {
			if strings.TrimSpace(message.Content) == "" {
				continue
			}
			blocks = []anthropicContentBlock{{Type: BlockTypeText, Text: message.Content}}
		}

		if n := len(built); n > 0 && built[n-1].Role == role {
			built[n-1].Content = append(built[n-1].Content, blocks...)
			continue
		}
		built = append(built, anthropicMessage{Role: role, Content: blocks})
	}
	return built, nil
}

func buildAnthropicTools(tools []ToolDefinition, cacheLast bool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	built := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		built = append(built, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneRawMessageOrObject(tool.InputSchema),
		})
	}
	if cacheLast {
		built[len(built)-1].CacheControl = ephemeralCache
	}
	return built
}

func toAnthropicBlocks(blocks []ContentBlock) ([]anthropicContentBlock, error) {
	converted := make([]anthropicContentBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case BlockTypeText:
			if block.Text == "" {
				continue
			}
			converted = append(converted, anthropicContentBlock{Type: BlockTypeText, Text: block.Text})
		case BlockTypeToolUse:
			converted = append(converted, anthropicContentBlock{
				Type:  BlockTypeToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: cloneRawMessageOrObject(block.Input),
			})
		case BlockTypeToolResult:
			converted = append(converted, anthropicContentBlock{
				Type:      BlockTypeToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})
		default:
			return nil, fmt.Errorf("unsupported content block type: %s", block.Type)
		}
	}
	return converted, nil
}

// parseAnthropicBlocks keeps unknown block types (with their type name only)
// so the caller can decide how to treat them.
func parseAnthropicBlocks(content []anthropicContentBlock) []ContentBlock {
	blocks := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case BlockTypeText:
			blocks = append(blocks, ContentBlock{Type: BlockTypeText, Text: block.Text})
		case BlockTypeToolUse:
			blocks = append(blocks, ContentBlock{
				Type:  BlockTypeToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: cloneRawMessageOrObject(block.Input),
			})
		default:
			blocks = append(blocks, ContentBlock{Type: block.Type})
		}
	}
	return blocks
}

func parseAnthropicAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{
		Provider:   "anthropic",
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
	if len(body) > 0 {
		var parsed anthropicErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			apiErr.Type = parsed.Error.Type
			apiErr.Message = parsed.Error.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
