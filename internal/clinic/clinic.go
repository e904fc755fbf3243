package clinic

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthenticated   = errors.New("patient identity not verified")
	// ErrStale is returned by a repository when a conditional update lost a race.
	ErrStale = errors.New("stale appointment status")
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// CanTransition reports whether an appointment in status from may move to to.
// Cancelled is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusConfirmed || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusCancelled
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusScheduled, StatusConfirmed, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown appointment status %q", v)
}

type Patient struct {
	ID             string
	Name           string
	Phone          string
	DateOfBirth    string
	AppointmentIDs []string
}

type Appointment struct {
	ID          string    `json:"appointment_id"`
	PatientID   string    `json:"patient_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Provider    string    `json:"provider"`
	Type        string    `json:"appointment_type"`
	Status      Status    `json:"status"`
	Location    string    `json:"location"`
}

// NormalizeName lowercases name and collapses runs of whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// NormalizePhone keeps digits only and drops a leading US country code.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}
