// Package mcpserver exposes the clinic tools to operator agents over the
// Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"crabstack.local/projects/crab-care/internal/session"
	"crabstack.local/projects/crab-care/internal/tools"
)

const (
	ServerName    = "crab-care"
	ServerVersion = "1.0.0"
	sessionArg    = "session_id"
)

// ToolRunner runs one tool against an existing conversation session.
type ToolRunner interface {
	RunTool(ctx context.Context, sessionID, name string, args json.RawMessage) (tools.Outcome, error)
}

type server struct {
	logger *log.Logger
	runner ToolRunner
}

// New builds an MCP server with one MCP tool per registry entry. Every tool
// takes the conversation session_id next to its usual arguments.
func New(logger *log.Logger, registry *tools.Registry, runner ToolRunner) *mcp.Server {
	if registry == nil || runner == nil {
		panic("mcpserver: registry and runner are required")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &server{logger: logger, runner: runner}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)
	for tool := range registry.List() {
		def := tool.Definition()
		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        def.Name,
			Description: describe(def.Description, def.InputSchema),
		}, s.handler(def.Name))
	}
	return mcpServer
}

// NewHandler serves server over the SSE transport.
func NewHandler(server *mcp.Server) http.Handler {
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server })
}

func describe(description string, schema json.RawMessage) string {
	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\nRequired: session_id (string), the conversation to act in.")
	if len(schema) > 0 {
		b.WriteString("\nArguments schema: ")
		b.Write(schema)
	}
	return b.String()
}

func (s *server) handler(name string) func(context.Context, *mcp.ServerSession, *mcp.CallToolParamsFor[map[string]any]) (*mcp.CallToolResultFor[any], error) {
	return func(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]any]) (*mcp.CallToolResultFor[any], error) {
		sessionID, args, err := splitArguments(params.Arguments)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		outcome, err := s.runner.RunTool(ctx, sessionID, name, args)
		if err != nil {
			s.logger.Printf("mcp tool call failed tool_name=%s session_id=%s err=%v", name, sessionID, err)
			return errorResult(sessionErrorMessage(err)), nil
		}
		s.logger.Printf("mcp tool call tool_name=%s session_id=%s status=%s code=%s", name, sessionID, outcome.Envelope.Status, outcome.Code())
		return &mcp.CallToolResultFor[any]{
			IsError: outcome.IsError(),
			Content: []mcp.Content{&mcp.TextContent{Text: outcome.Content()}},
		}, nil
	}
}

// splitArguments removes session_id and re-encodes the remaining tool
// arguments.
func splitArguments(arguments map[string]any) (string, json.RawMessage, error) {
	raw, ok := arguments[sessionArg]
	if !ok {
		return "", nil, errors.New("session_id is required")
	}
	sessionID, ok := raw.(string)
	if !ok || strings.TrimSpace(sessionID) == "" {
		return "", nil, errors.New("session_id must be a non-empty string")
	}

	rest := make(map[string]any, len(arguments))
	for key, value := range arguments {
		if key != sessionArg {
			rest[key] = value
		}
	}
	encoded, err := json.Marshal(rest)
	if err != nil {
		return "", nil, fmt.Errorf("encode tool arguments: %w", err)
	}
	return strings.TrimSpace(sessionID), encoded, nil
}

func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	case errors.Is(err, session.ErrBusy):
		return "session is busy with another request, retry shortly"
	case errors.Is(err, session.ErrInvalidID):
		return err.Error()
	default:
		return "tool call failed"
	}
}

func errorResult(message string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}
