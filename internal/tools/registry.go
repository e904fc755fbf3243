package tools

import (
	"context"
	"iter"
	"strings"
	"sync"

	"crabstack.local/projects/crab-care/internal/chat"
	"crabstack.local/projects/crab-care/internal/model"
)

// Registry resolves tool calls by name. It is populated once at startup and
// only read afterwards.
type Registry struct {
	mu     sync.RWMutex
	order  []Tool
	byName map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		panic("tools: nil tool")
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		panic("tools: empty tool name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return &DuplicateToolError{Name: name}
	}
	r.byName[name] = tool
	r.order = append(r.order, tool)
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return tool, nil
}

// List yields every registered tool in registration order. Each range over
// the sequence starts again from the first tool.
func (r *Registry) List() iter.Seq[Tool] {
	return func(yield func(Tool) bool) {
		r.mu.RLock()
		snapshot := append([]Tool(nil), r.order...)
		r.mu.RUnlock()
		for _, tool := range snapshot {
			if !yield(tool) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions returns the tool catalogue sent to the model.
func (r *Registry) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, r.Len())
	for tool := range r.List() {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Execute resolves call by name and runs it. Unknown tools produce a
// TOOL_NOT_FOUND error outcome.
func (r *Registry) Execute(ctx context.Context, inv Invocation, call chat.ToolCall) Outcome {
	inv.CallID = call.ID
	tool, err := r.Get(call.Name)
	if err != nil {
		return Outcome{Envelope: errorEnvelope(CodeToolNotFound, err.Error())}
	}
	return tool.Execute(ctx, inv, call.Input)
}
