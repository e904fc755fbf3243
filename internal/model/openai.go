package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	apiKey string
	client *openai.Client
}

type openAISettings struct {
	baseURL    string
	httpClient *http.Client
}

type OpenAIOption func(*openAISettings)

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	settings := openAISettings{httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	apiKey = strings.TrimSpace(apiKey)
	config := openai.DefaultConfig(apiKey)
	if settings.baseURL != "" {
		config.BaseURL = settings.baseURL
	}
	config.HTTPClient = settings.httpClient

	return &OpenAIProvider{
		apiKey: apiKey,
		client: openai.NewClientWithConfig(config),
	}
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(s *openAISettings) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			s.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(s *openAISettings) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithOpenAITimeout(timeout time.Duration) OpenAIOption {
	return func(s *openAISettings) {
		if timeout > 0 {
			s.httpClient.Timeout = timeout
		}
	}
}

var _ Provider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if p.apiKey == "" {
		return CompletionResponse{}, errors.New("openai api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}

	messages, err := buildOpenAIMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = buildOpenAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return CompletionResponse{}, convertOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: openai response has no choices", ErrMalformedResponse)
	}

	choice := resp.Choices[0]
	blocks, err := parseOpenAIBlocks(choice.Message)
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(blocks) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: openai response contained no content", ErrMalformedResponse)
	}

	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if details := resp.Usage.PromptTokensDetails; details != nil {
		usage.CacheReadInputTokens = int64(details.CachedTokens)
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = req.Model
	}
	return CompletionResponse{
		Content:    joinText(blocks),
		Blocks:     blocks,
		Usage:      usage,
		Model:      modelName,
		StopReason: openAIStopReason(choice.FinishReason, blocks),
	}, nil
}

func buildOpenAIMessages(req CompletionRequest) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	systemParts := make([]string, 0, len(req.System))
	for _, block := range req.System {
		if text := strings.TrimSpace(block.Text); text != "" {
			systemParts = append(systemParts, text)
		}
	}
	if len(systemParts) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.Join(systemParts, "\n\n"),
		})
	}

	for _, message := range req.Messages {
		switch message.Role {
		case RoleUser:
			if len(message.Blocks) == 0 {
				messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message.Content})
				continue
			}
			for _, block := range message.Blocks {
				switch block.Type {
				case BlockTypeText:
					messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: block.Text})
				case BlockTypeToolResult:
					messages = append(messages, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.Content,
						ToolCallID: block.ToolUseID,
					})
				default:
					return nil, fmt.Errorf("unsupported user content block type: %s", block.Type)
				}
			}
		case RoleAssistant:
			assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: message.Content}
			if len(message.Blocks) > 0 {
				assistant.Content = joinText(message.Blocks)
				for _, block := range message.Blocks {
					switch block.Type {
					case BlockTypeText:
					case BlockTypeToolUse:
						assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
							ID:   block.ID,
							Type: openai.ToolTypeFunction,
							Function: openai.FunctionCall{
								Name:      block.Name,
								Arguments: string(cloneRawMessageOrObject(block.Input)),
							},
						})
					default:
						return nil, fmt.Errorf("unsupported assistant content block type: %s", block.Type)
					}
				}
			}
			messages = append(messages, assistant)
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	return messages, nil
}

func buildOpenAITools(tools []ToolDefinition) []openai.Tool {
	built := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		built = append(built, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  cloneRawMessageOrObject(tool.InputSchema),
			},
		})
	}
	return built
}

func parseOpenAIBlocks(message openai.ChatCompletionMessage) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(message.ToolCalls)+1)
	if message.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockTypeText, Text: message.Content})
	}
	for _, call := range message.ToolCalls {
		if call.Type != "" && call.Type != openai.ToolTypeFunction {
			blocks = append(blocks, ContentBlock{Type: string(call.Type)})
			continue
		}
		arguments := strings.TrimSpace(call.Function.Arguments)
		if arguments == "" {
			arguments = "{}"
		}
		if !json.Valid([]byte(arguments)) {
			return nil, fmt.Errorf("%w: tool call %s has invalid arguments", ErrMalformedResponse, call.ID)
		}
		blocks = append(blocks, ContentBlock{
			Type:  BlockTypeToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(arguments),
		})
	}
	return blocks, nil
}

func openAIStopReason(reason openai.FinishReason, blocks []ContentBlock) string {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopReasonToolUse
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	case openai.FinishReasonStop:
		return StopReasonEndTurn
	}
	if hasToolUseBlock(blocks) {
		return StopReasonToolUse
	}
	return StopReasonEndTurn
}

func convertOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return &APIError{
			Provider:   "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Message:    message,
		}
	}
	return fmt.Errorf("call openai api: %w", err)
}
