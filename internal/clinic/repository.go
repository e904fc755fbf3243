package clinic

import "context"

// Repository stores patients and appointments. Implementations must make
// UpdateStatus a compare-and-set on the current status.
type Repository interface {
	GetPatient(ctx context.Context, patientID string) (Patient, error)
	FindPatientsByPhone(ctx context.Context, phoneDigits string) ([]Patient, error)
	GetAppointment(ctx context.Context, appointmentID string) (Appointment, error)
	ListAppointments(ctx context.Context, patientID string) ([]Appointment, error)
	UpdateStatus(ctx context.Context, appointmentID string, from, to Status) (Appointment, error)
	// Seed inserts records that do not exist yet and leaves existing ones alone.
	Seed(ctx context.Context, patients []Patient, appointments []Appointment) error
}
