package chat

import (
	"errors"
	"fmt"
)

var ErrProtocol = errors.New("tool call protocol violation")

// CheckHistory verifies that every tool call in history is answered by exactly
// one tool result before the next assistant or user message, and that nothing
// is left unanswered at the end.
func CheckHistory(history []Message) error {
	pending := make(map[string]struct{})
	order := make([]string, 0)

	for i, message := range history {
		switch message.Role {
		case RoleUser:
			if len(pending) > 0 {
				return fmt.Errorf("%w: user message at %d while %d tool calls are unanswered", ErrProtocol, i, len(pending))
			}
		case RoleAssistant:
			if len(pending) > 0 {
				return fmt.Errorf("%w: assistant message at %d while %d tool calls are unanswered", ErrProtocol, i, len(pending))
			}
			order = order[:0]
			for _, call := range message.ToolCalls() {
				if call.ID == "" {
					return fmt.Errorf("%w: tool call without id at %d", ErrProtocol, i)
				}
				if _, dup := pending[call.ID]; dup {
					return fmt.Errorf("%w: duplicate tool call id %s", ErrProtocol, call.ID)
				}
				pending[call.ID] = struct{}{}
				order = append(order, call.ID)
			}
		case RoleToolResult:
			if message.Result == nil {
				return fmt.Errorf("%w: tool result message at %d has no result", ErrProtocol, i)
			}
			if _, ok := pending[message.Result.CallID]; !ok {
				return fmt.Errorf("%w: tool result %s does not answer a pending call", ErrProtocol, message.Result.CallID)
			}
			delete(pending, message.Result.CallID)
		default:
			return fmt.Errorf("%w: unknown role %q at %d", ErrProtocol, message.Role, i)
		}
	}

	if len(pending) > 0 {
		for _, id := range order {
			if _, ok := pending[id]; ok {
				return fmt.Errorf("%w: tool call %s is unanswered", ErrProtocol, id)
			}
		}
	}
	return nil
}
