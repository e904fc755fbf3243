package tools

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"crabstack.local/projects/crab-care/internal/clinic"
)

var (
	appointmentIDPattern = regexp.MustCompile(`^APT_[0-9]{3,}$`)
	namePattern          = regexp.MustCompile(`^[A-Za-z][A-Za-z .'\-]*$`)
)

const maxPatientAgeYears = 150

type VerifyPatientArgs struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
}

func (a VerifyPatientArgs) validate(now time.Time) error {
	name := strings.TrimSpace(a.Name)
	switch {
	case name == "":
		return invalid("name", "is required")
	case len(name) < 2 || len(name) > 100:
		return invalid("name", "must be between 2 and 100 characters")
	case !namePattern.MatchString(name):
		return invalid("name", "may only contain letters, spaces, hyphens, apostrophes and periods")
	case len(strings.Fields(name)) < 2:
		return invalid("name", "must include first and last name")
	}

	phone := strings.TrimSpace(a.Phone)
	if phone == "" {
		return invalid("phone", "is required")
	}
	for _, r := range phone {
		if !unicode.IsDigit(r) && !strings.ContainsRune(" -().+", r) {
			return invalid("phone", "contains invalid character %q", r)
		}
	}
	if digits := clinic.NormalizePhone(phone); len(digits) != 10 {
		return invalid("phone", "must contain 10 digits")
	}

	dob := strings.TrimSpace(a.DateOfBirth)
	if dob == "" {
		return invalid("date_of_birth", "is required")
	}
	born, err := time.Parse(time.DateOnly, dob)
	if err != nil {
		return invalid("date_of_birth", "must use YYYY-MM-DD format, for example 1980-01-01")
	}
	if born.After(now) {
		return invalid("date_of_birth", "cannot be in the future")
	}
	if born.Before(now.AddDate(-maxPatientAgeYears, 0, 0)) {
		return invalid("date_of_birth", "is more than %d years ago", maxPatientAgeYears)
	}
	return nil
}

type ListAppointmentsArgs struct {
	IncludePast bool `json:"include_past,omitempty"`
}

func (ListAppointmentsArgs) validate(time.Time) error { return nil }

type AppointmentActionArgs struct {
	AppointmentID string `json:"appointment_id"`
}

func (a AppointmentActionArgs) validate(time.Time) error {
	id := strings.TrimSpace(a.AppointmentID)
	if id == "" {
		return invalid("appointment_id", "is required")
	}
	if !appointmentIDPattern.MatchString(id) {
		return invalid("appointment_id", "must look like APT_001")
	}
	return nil
}
