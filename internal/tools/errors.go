package tools

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("duplicate tool")
)

// Codes carried in error envelopes returned to the model.
const (
	CodeInvalidArgs       = "INVALID_ARGS"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeInternal          = "INTERNAL"
)

type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

func (e *DuplicateToolError) Unwrap() error { return ErrDuplicateTool }

type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

func (e *UnknownToolError) Unwrap() error { return ErrUnknownTool }

// ValidationError rejects model supplied arguments.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
