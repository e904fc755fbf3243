package chat

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
)

// ToolCall is a model request to run the named tool with Input as arguments.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ContentBlock struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// ToolResult answers exactly one ToolCall. Content is the JSON envelope
// produced by the tool layer.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of a session history. Role selects which of Text,
// Blocks or Result is populated.
type Message struct {
	Role      Role           `json:"role"`
	Text      string         `json:"text,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	Result    *ToolResult    `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func User(text string) Message {
	return Message{Role: RoleUser, Text: text, CreatedAt: time.Now().UTC()}
}

func Assistant(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: cloneBlocks(blocks), CreatedAt: time.Now().UTC()}
}

func AssistantText(text string) Message {
	return Assistant(TextBlock(text))
}

func ToolResultMessage(result ToolResult) Message {
	copied := result
	return Message{Role: RoleToolResult, Result: &copied, CreatedAt: time.Now().UTC()}
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolCallBlock(call ToolCall) ContentBlock {
	copied := call
	copied.Input = cloneRaw(call.Input)
	return ContentBlock{Type: BlockToolCall, ToolCall: &copied}
}

// ToolCalls returns the tool calls of an assistant message in block order.
func (m Message) ToolCalls() []ToolCall {
	if m.Role != RoleAssistant {
		return nil
	}
	calls := make([]ToolCall, 0, len(m.Blocks))
	for _, block := range m.Blocks {
		if block.Type == BlockToolCall && block.ToolCall != nil {
			calls = append(calls, *block.ToolCall)
		}
	}
	return calls
}

// Content returns the user-visible text of the message.
func (m Message) Content() string {
	switch m.Role {
	case RoleUser:
		return m.Text
	case RoleAssistant:
		var builder strings.Builder
		for _, block := range m.Blocks {
			if block.Type == BlockText {
				builder.WriteString(block.Text)
			}
		}
		return builder.String()
	case RoleToolResult:
		if m.Result != nil {
			return m.Result.Content
		}
	}
	return ""
}

func (m Message) Clone() Message {
	out := m
	out.Blocks = cloneBlocks(m.Blocks)
	if m.Result != nil {
		result := *m.Result
		out.Result = &result
	}
	return out
}

func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, message := range messages {
		out[i] = message.Clone()
	}
	return out
}

func cloneBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	for i, block := range blocks {
		out[i] = block
		if block.ToolCall != nil {
			call := *block.ToolCall
			call.Input = cloneRaw(block.ToolCall.Input)
			out[i].ToolCall = &call
		}
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
