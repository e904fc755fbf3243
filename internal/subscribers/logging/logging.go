// Package logging writes lifecycle events to the process log.
package logging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"crabstack.local/projects/crab-care/internal/subscribers"
)

type Subscriber struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.Default()
	}
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event subscribers.Event) error {
	s.logger.Print(formatEvent(event))
	return nil
}

// formatEvent renders one key=value line. Payload keys are sorted and string
// values containing spaces are quoted so lines stay machine-splittable.
func formatEvent(event subscribers.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event event_type=%s event_id=%s session_id=%s", event.EventType, event.EventID, event.SessionID)
	if event.TurnID != "" {
		fmt.Fprintf(&b, " turn_id=%s", event.TurnID)
	}

	keys := make([]string, 0, len(event.Payload))
	for key := range event.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%s", key, formatValue(event.Payload[key]))
	}
	return b.String()
}

func formatValue(value any) string {
	text, ok := value.(string)
	if !ok {
		return fmt.Sprint(value)
	}
	if text == "" || strings.ContainsAny(text, " \t\n\"=") {
		return fmt.Sprintf("%q", text)
	}
	return text
}
