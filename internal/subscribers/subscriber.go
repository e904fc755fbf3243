package subscribers

import (
	"context"
	"errors"
	"time"
)

type EventType string

const (
	EventTypeTurnStarted        EventType = "turn.started"
	EventTypeTurnCompleted      EventType = "turn.completed"
	EventTypeTurnFailed         EventType = "turn.failed"
	EventTypeTurnBudgetExceeded EventType = "turn.budget_exceeded"
	EventTypeSessionReaped      EventType = "session.reaped"
)

// Event is a conversation lifecycle notification. Payloads never carry
// patient identity fields other than the patient id.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Subscriber interface {
	Name() string
	Handle(context.Context, Event) error
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
