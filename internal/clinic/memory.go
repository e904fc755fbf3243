package clinic

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepository struct {
	mu           sync.RWMutex
	patients     map[string]Patient
	appointments map[string]Appointment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[string]Patient),
		appointments: make(map[string]Appointment),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) GetPatient(_ context.Context, patientID string) (Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patient, ok := r.patients[patientID]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return r.withAppointmentIDs(patient), nil
}

func (r *MemoryRepository) FindPatientsByPhone(_ context.Context, phoneDigits string) ([]Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Patient, 0, 1)
	for _, patient := range r.patients {
		if NormalizePhone(patient.Phone) == phoneDigits {
			out = append(out, r.withAppointmentIDs(patient))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, appointmentID string) (Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appointment, ok := r.appointments[appointmentID]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return appointment, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, patientID string) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Appointment, 0)
	for _, appointment := range r.appointments {
		if appointment.PatientID == patientID {
			out = append(out, appointment)
		}
	}
	sortChronological(out)
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, appointmentID string, from, to Status) (Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	appointment, ok := r.appointments[appointmentID]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	if appointment.Status != from {
		return Appointment{}, ErrStale
	}
	appointment.Status = to
	r.appointments[appointmentID] = appointment
	return appointment, nil
}

func (r *MemoryRepository) Seed(_ context.Context, patients []Patient, appointments []Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, patient := range patients {
		if _, ok := r.patients[patient.ID]; !ok {
			patient.AppointmentIDs = nil
			r.patients[patient.ID] = patient
		}
	}
	for _, appointment := range appointments {
		if _, ok := r.appointments[appointment.ID]; !ok {
			r.appointments[appointment.ID] = appointment
		}
	}
	return nil
}

func (r *MemoryRepository) withAppointmentIDs(patient Patient) Patient {
	owned := make([]Appointment, 0)
	for _, appointment := range r.appointments {
		if appointment.PatientID == patient.ID {
			owned = append(owned, appointment)
		}
	}
	sortChronological(owned)
	patient.AppointmentIDs = make([]string, 0, len(owned))
	for _, appointment := range owned {
		patient.AppointmentIDs = append(patient.AppointmentIDs, appointment.ID)
	}
	return patient
}

func sortChronological(appointments []Appointment) {
	sort.SliceStable(appointments, func(i, j int) bool {
		if appointments[i].ScheduledAt.Equal(appointments[j].ScheduledAt) {
			return appointments[i].ID < appointments[j].ID
		}
		return appointments[i].ScheduledAt.Before(appointments[j].ScheduledAt)
	})
}
