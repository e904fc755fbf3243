package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"crabstack.local/projects/crab-care/internal/chat"
	"crabstack.local/projects/crab-care/internal/model"
)

const (
	defaultMaxTokens = 1000
	charsPerToken    = 4
)

type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Gateway turns a conversation history into exactly one assistant message.
// It does not retry; retries live in the provider transport.
type Gateway struct {
	logger   *log.Logger
	provider model.Provider
	limiter  Limiter
	cfg      Config
}

// Reply is the outcome of one successful Converse call.
type Reply struct {
	Message    chat.Message
	Usage      model.Usage
	StopReason string
	Model      string
}

func New(logger *log.Logger, provider model.Provider, limiter Limiter, cfg Config) *Gateway {
	if provider == nil {
		panic("llm: gateway requires a provider")
	}
	if limiter == nil {
		limiter = Unlimited{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Gateway{logger: logger, provider: provider, limiter: limiter, cfg: cfg}
}

// Converse sends the static system prompt, status, full history and tool
// catalogue to the provider. Errors are *GatewayError except for history
// protocol violations, which wrap chat.ErrProtocol.
func (g *Gateway) Converse(ctx context.Context, history []chat.Message, tools []model.ToolDefinition, status string) (Reply, error) {
	if err := chat.CheckHistory(history); err != nil {
		return Reply{}, fmt.Errorf("check history: %w", err)
	}

	messages, err := toModelMessages(history)
	if err != nil {
		return Reply{}, fmt.Errorf("convert history: %w", err)
	}

	req := model.CompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		System:      g.systemBlocks(status),
		CacheTools:  len(tools) > 0,
		CacheKey:    CacheKey(g.cfg.SystemPrompt, tools),
	}

	estimate := EstimateTokens(req)
	if !g.limiter.Allow(estimate) {
		return Reply{}, newGatewayError(KindRateLimited, fmt.Errorf("local budget exhausted estimated_tokens=%d", estimate))
	}

	resp, err := g.provider.Complete(ctx, req)
	if err != nil {
		return Reply{}, classifyProviderError(err)
	}

	blocks, err := fromModelBlocks(resp.Blocks)
	if err != nil {
		return Reply{}, newGatewayError(KindMalformedResponse, err)
	}
	if g.logger != nil {
		g.logger.Printf("llm response model=%s stop_reason=%s blocks=%d input_tokens=%d output_tokens=%d cache_read_tokens=%d cache_write_tokens=%d",
			resp.Model, resp.StopReason, len(blocks), resp.Usage.InputTokens, resp.Usage.OutputTokens,
			resp.Usage.CacheReadInputTokens, resp.Usage.CacheCreationInputTokens)
	}

	return Reply{
		Message:    chat.Assistant(blocks...),
		Usage:      resp.Usage,
		StopReason: resp.StopReason,
		Model:      resp.Model,
	}, nil
}

func (g *Gateway) systemBlocks(status string) []model.SystemBlock {
	blocks := make([]model.SystemBlock, 0, 2)
	if prompt := strings.TrimSpace(g.cfg.SystemPrompt); prompt != "" {
		blocks = append(blocks, model.SystemBlock{Text: prompt, Cache: true})
	}
	if status = strings.TrimSpace(status); status != "" {
		blocks = append(blocks, model.SystemBlock{Text: status})
	}
	return blocks
}

// CacheKey hashes the static request prefix: system prompt and tool catalogue.
func CacheKey(systemPrompt string, tools []model.ToolDefinition) string {
	hash := sha256.New()
	hash.Write([]byte(systemPrompt))
	hash.Write([]byte{0})
	for _, tool := range tools {
		encoded, _ := json.Marshal(tool)
		hash.Write(encoded)
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// EstimateTokens approximates the prompt size of req for rate limiting.
func EstimateTokens(req model.CompletionRequest) int {
	chars := 0
	for _, block := range req.System {
		chars += len(block.Text)
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}
	for _, message := range req.Messages {
		chars += len(message.Content)
		for _, block := range message.Blocks {
			chars += len(block.Text) + len(block.Name) + len(block.Input) + len(block.Content)
		}
	}
	return chars/charsPerToken + req.MaxTokens
}

func classifyProviderError(err error) error {
	if errors.Is(err, model.ErrMalformedResponse) {
		return newGatewayError(KindMalformedResponse, err)
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.RateLimited() {
		return newGatewayError(KindRateLimited, err)
	}
	return newGatewayError(KindProvider, err)
}
