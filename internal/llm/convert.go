package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"crabstack.local/projects/crab-care/internal/chat"
	"crabstack.local/projects/crab-care/internal/model"
)

func toModelMessages(history []chat.Message) ([]model.Message, error) {
	out := make([]model.Message, 0, len(history))
	for _, message := range history {
		switch message.Role {
		case chat.RoleUser:
			out = append(out, model.Message{Role: model.RoleUser, Content: message.Text})
		case chat.RoleAssistant:
			blocks := make([]model.ContentBlock, 0, len(message.Blocks))
			for _, block := range message.Blocks {
				switch block.Type {
				case chat.BlockText:
					if block.Text == "" {
						continue
					}
					blocks = append(blocks, model.ContentBlock{Type: model.BlockTypeText, Text: block.Text})
				case chat.BlockToolCall:
					if block.ToolCall == nil {
						return nil, fmt.Errorf("tool call block without call")
					}
					blocks = append(blocks, model.ContentBlock{
						Type:  model.BlockTypeToolUse,
						ID:    block.ToolCall.ID,
						Name:  block.ToolCall.Name,
						Input: block.ToolCall.Input,
					})
				default:
					return nil, fmt.Errorf("unsupported block type %q", block.Type)
				}
			}
			out = append(out, model.Message{Role: model.RoleAssistant, Content: message.Content(), Blocks: blocks})
		case chat.RoleToolResult:
			if message.Result == nil {
				return nil, fmt.Errorf("tool result message without result")
			}
			out = append(out, model.Message{
				Role: model.RoleUser,
				Blocks: []model.ContentBlock{{
					Type:      model.BlockTypeToolResult,
					ToolUseID: message.Result.CallID,
					Content:   message.Result.Content,
					IsError:   message.Result.IsError,
				}},
			})
		default:
			return nil, fmt.Errorf("unsupported role %q", message.Role)
		}
	}
	return out, nil
}

// fromModelBlocks maps provider blocks onto chat blocks. Any block type other
// than text or tool_use fails the whole response.
func fromModelBlocks(blocks []model.ContentBlock) ([]chat.ContentBlock, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("response has no content blocks")
	}
	out := make([]chat.ContentBlock, 0, len(blocks))
	seen := make(map[string]struct{})
	for i, block := range blocks {
		switch block.Type {
		case model.BlockTypeText:
			out = append(out, chat.TextBlock(block.Text))
		case model.BlockTypeToolUse:
			id := strings.TrimSpace(block.ID)
			name := strings.TrimSpace(block.Name)
			if id == "" || name == "" {
				return nil, fmt.Errorf("tool_use block %d missing id or name", i)
			}
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("duplicate tool_use id %s", id)
			}
			seen[id] = struct{}{}
			input := block.Input
			if len(strings.TrimSpace(string(input))) == 0 {
				input = json.RawMessage(`{}`)
			}
			if !json.Valid(input) {
				return nil, fmt.Errorf("tool_use block %s has invalid input", id)
			}
			out = append(out, chat.ToolCallBlock(chat.ToolCall{ID: id, Name: name, Input: input}))
		default:
			return nil, fmt.Errorf("unrecognized block type %q", block.Type)
		}
	}
	return out, nil
}
