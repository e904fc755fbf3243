package clinic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

const maxStatusUpdateAttempts = 3

type VerificationService struct {
	logger *log.Logger
	repo   Repository
}

func NewVerificationService(logger *log.Logger, repo Repository) *VerificationService {
	if repo == nil {
		panic("clinic: verification service requires a repository")
	}
	return &VerificationService{logger: logger, repo: repo}
}

// Verify returns the patient matching all three identity fields. The name
// match ignores case and extra whitespace; the phone match uses digits only.
func (s *VerificationService) Verify(ctx context.Context, name, phone, dateOfBirth string) (Patient, error) {
	digits := NormalizePhone(phone)
	wantName := NormalizeName(name)
	wantDOB := strings.TrimSpace(dateOfBirth)
	if digits == "" || wantName == "" || wantDOB == "" {
		return Patient{}, ErrNotFound
	}

	candidates, err := s.repo.FindPatientsByPhone(ctx, digits)
	if err != nil {
		return Patient{}, fmt.Errorf("lookup patient: %w", err)
	}
	for _, patient := range candidates {
		if NormalizeName(patient.Name) == wantName && patient.DateOfBirth == wantDOB {
			if s.logger != nil {
				s.logger.Printf("patient verified patient_id=%s", patient.ID)
			}
			return patient, nil
		}
	}
	if s.logger != nil {
		s.logger.Printf("patient verification failed candidates=%d", len(candidates))
	}
	return Patient{}, ErrNotFound
}

type AppointmentService struct {
	logger *log.Logger
	repo   Repository
	now    func() time.Time
}

type AppointmentOption func(*AppointmentService)

// WithClock overrides the time source used to split upcoming from past
// appointments.
func WithClock(now func() time.Time) AppointmentOption {
	return func(s *AppointmentService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewAppointmentService(logger *log.Logger, repo Repository, opts ...AppointmentOption) *AppointmentService {
	if repo == nil {
		panic("clinic: appointment service requires a repository")
	}
	s := &AppointmentService{logger: logger, repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the patient's appointments in chronological order. Unless
// includePast is set, appointments scheduled before now are left out.
func (s *AppointmentService) List(ctx context.Context, patientID string, includePast bool) ([]Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, ErrUnauthenticated
	}
	all, err := s.repo.ListAppointments(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	sortChronological(all)
	if includePast {
		return all, nil
	}
	now := s.now().UTC()
	upcoming := make([]Appointment, 0, len(all))
	for _, appointment := range all {
		if appointment.ScheduledAt.After(now) {
			upcoming = append(upcoming, appointment)
		}
	}
	return upcoming, nil
}

func (s *AppointmentService) Confirm(ctx context.Context, patientID, appointmentID string) (Appointment, error) {
	return s.transition(ctx, patientID, appointmentID, StatusConfirmed)
}

func (s *AppointmentService) Cancel(ctx context.Context, patientID, appointmentID string) (Appointment, error) {
	return s.transition(ctx, patientID, appointmentID, StatusCancelled)
}

func (s *AppointmentService) transition(ctx context.Context, patientID, appointmentID string, to Status) (Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return Appointment{}, ErrUnauthenticated
	}

	for attempt := 0; attempt < maxStatusUpdateAttempts; attempt++ {
		current, err := s.repo.GetAppointment(ctx, appointmentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Appointment{}, ErrNotFound
			}
			return Appointment{}, fmt.Errorf("get appointment: %w", err)
		}
		if current.PatientID != patientID {
			return Appointment{}, ErrForbidden
		}
		if !CanTransition(current.Status, to) {
			return Appointment{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, to)
		}

		updated, err := s.repo.UpdateStatus(ctx, appointmentID, current.Status, to)
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return Appointment{}, fmt.Errorf("update appointment: %w", err)
		}
		if s.logger != nil {
			s.logger.Printf("appointment status changed appointment_id=%s patient_id=%s from=%s to=%s", appointmentID, patientID, current.Status, to)
		}
		return updated, nil
	}
	return Appointment{}, fmt.Errorf("update appointment %s: %w", appointmentID, ErrStale)
}
