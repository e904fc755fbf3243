package model

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type anthropicResponse struct {
	ID         string
	Model      string
	Content    []anthropicContentBlock
	StopReason string
	Usage      anthropicUsage
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicStreamStart  `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *anthropicStreamDelta  `json:"delta"`
	Usage        *anthropicUsage        `json:"usage"`
	Error        *anthropicError        `json:"error"`
}

type anthropicStreamStart struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// anthropicStream accumulates server-sent events of one Messages API stream
// into a complete response.
type anthropicStream struct {
	resp       anthropicResponse
	blocks     []anthropicContentBlock
	toolInputs map[int]*strings.Builder
	seenData   bool
}

func decodeAnthropicStream(reader io.Reader) (anthropicResponse, error) {
	stream := &anthropicStream{toolInputs: make(map[int]*strings.Builder)}
	lines := bufio.NewReader(reader)
	eventName := ""
	data := make([]string, 0, 4)

	for {
		line, err := lines.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return anthropicResponse{}, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "" && len(line) > 0:
			done, handleErr := stream.handle(eventName, data)
			if handleErr != nil {
				return anthropicResponse{}, handleErr
			}
			if done {
				return stream.resp, nil
			}
			eventName = ""
			data = data[:0]
		case strings.HasPrefix(trimmed, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	done, err := stream.handle(eventName, data)
	if err != nil {
		return anthropicResponse{}, err
	}
	if done {
		return stream.resp, nil
	}
	if err := stream.finish(); err != nil {
		return anthropicResponse{}, err
	}
	if !stream.seenData {
		return anthropicResponse{}, errors.New("anthropic stream ended without data")
	}
	return stream.resp, nil
}

func (s *anthropicStream) handle(name string, data []string) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	payload := strings.TrimSpace(strings.Join(data, "\n"))
	if payload == "" || payload == "[DONE]" {
		return false, nil
	}
	s.seenData = true

	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return false, fmt.Errorf("parse anthropic stream event: %w", err)
	}
	kind := strings.TrimSpace(event.Type)
	if kind == "" {
		kind = strings.TrimSpace(name)
	}

	switch kind {
	case "message_start":
		if event.Message != nil {
			s.resp.ID = event.Message.ID
			s.resp.Model = event.Message.Model
			if event.Message.StopReason != "" {
				s.resp.StopReason = event.Message.StopReason
			}
			s.resp.Usage = event.Message.Usage
		}
	case "content_block_start":
		if err := s.ensureIndex(event.Index); err != nil {
			return false, err
		}
		if event.ContentBlock != nil {
			block := *event.ContentBlock
			block.Input = cloneRawMessage(block.Input)
			s.blocks[event.Index] = block
		}
	case "content_block_delta":
		if err := s.ensureIndex(event.Index); err != nil {
			return false, err
		}
		if event.Delta != nil {
			s.applyDelta(event.Index, *event.Delta)
		}
	case "content_block_stop":
		if err := s.finishToolInput(event.Index); err != nil {
			return false, err
		}
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			s.resp.StopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			if event.Usage.InputTokens != 0 {
				s.resp.Usage.InputTokens = event.Usage.InputTokens
			}
			if event.Usage.OutputTokens != 0 {
				s.resp.Usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	case "message_stop":
		if err := s.finish(); err != nil {
			return false, err
		}
		return true, nil
	case "error":
		apiErr := &APIError{Provider: "anthropic", Type: "stream_error", Message: payload}
		if event.Error != nil {
			apiErr.Type = event.Error.Type
			apiErr.Message = event.Error.Message
		}
		return false, apiErr
	}
	return false, nil
}

func (s *anthropicStream) applyDelta(index int, delta anthropicStreamDelta) {
	block := s.blocks[index]
	switch delta.Type {
	case "text_delta":
		if block.Type == "" {
			block.Type = BlockTypeText
		}
		block.Text += delta.Text
	case "input_json_delta":
		if block.Type == "" {
			block.Type = BlockTypeToolUse
		}
		builder := s.toolInputs[index]
		if builder == nil {
			builder = &strings.Builder{}
			s.toolInputs[index] = builder
		}
		builder.WriteString(delta.PartialJSON)
	}
	s.blocks[index] = block
}

func (s *anthropicStream) ensureIndex(index int) error {
	if index < 0 || index > 1024 {
		return fmt.Errorf("anthropic stream content block index out of range: %d", index)
	}
	if index >= len(s.blocks) {
		s.blocks = append(s.blocks, make([]anthropicContentBlock, index-len(s.blocks)+1)...)
	}
	return nil
}

func (s *anthropicStream) finishToolInput(index int) error {
	builder := s.toolInputs[index]
	delete(s.toolInputs, index)
	if builder == nil {
		return nil
	}
	raw := strings.TrimSpace(builder.String())
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("parse anthropic tool_use input at index %d: invalid json", index)
	}
	s.blocks[index].Input = json.RawMessage(raw)
	return nil
}

func (s *anthropicStream) finish() error {
	for index := range s.toolInputs {
		if err := s.finishToolInput(index); err != nil {
			return err
		}
	}
	compacted := make([]anthropicContentBlock, 0, len(s.blocks))
	for _, block := range s.blocks {
		if strings.TrimSpace(block.Type) == "" {
			continue
		}
		compacted = append(compacted, block)
	}
	s.resp.Content = compacted
	return nil
}
