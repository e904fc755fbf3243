package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-care/internal/db"
)

type patientRow struct {
	PatientID   string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:191;not null"`
	Phone       string `gorm:"size:64;not null"`
	PhoneDigits string `gorm:"size:32;not null;index"`
	DateOfBirth string `gorm:"size:10;not null"`
}

func (patientRow) TableName() string {
	return "patients"
}

type appointmentRow struct {
	AppointmentID   string    `gorm:"primaryKey;size:64"`
	PatientID       string    `gorm:"size:64;not null;index:idx_appointments_patient_time,priority:1"`
	ScheduledAt     time.Time `gorm:"not null;index:idx_appointments_patient_time,priority:2"`
	Provider        string    `gorm:"size:191;not null"`
	AppointmentType string    `gorm:"size:191;not null"`
	Status          string    `gorm:"size:32;not null"`
	Location        string    `gorm:"size:191"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (appointmentRow) TableName() string {
	return "appointments"
}

func (r appointmentRow) toAppointment() Appointment {
	return Appointment{
		ID:          r.AppointmentID,
		PatientID:   r.PatientID,
		ScheduledAt: r.ScheduledAt.UTC(),
		Provider:    r.Provider,
		Type:        r.AppointmentType,
		Status:      Status(r.Status),
		Location:    r.Location,
	}
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(driver, dsn string) (*GormRepository, error) {
	gormDB, err := dbpkg.OpenMigrated(driver, dsn, &patientRow{}, &appointmentRow{})
	if err != nil {
		return nil, fmt.Errorf("open clinic repository: %w", err)
	}
	return &GormRepository{db: gormDB}, nil
}

var _ Repository = (*GormRepository)(nil)

func (r *GormRepository) GetPatient(ctx context.Context, patientID string) (Patient, error) {
	var row patientRow
	if err := r.db.WithContext(ctx).Where("patient_id = ?", patientID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Patient{}, ErrNotFound
		}
		return Patient{}, fmt.Errorf("get patient: %w", err)
	}
	return r.toPatient(ctx, row)
}

func (r *GormRepository) FindPatientsByPhone(ctx context.Context, phoneDigits string) ([]Patient, error) {
	var rows []patientRow
	if err := r.db.WithContext(ctx).Where("phone_digits = ?", phoneDigits).Order("patient_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find patients: %w", err)
	}
	out := make([]Patient, 0, len(rows))
	for _, row := range rows {
		patient, err := r.toPatient(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, patient)
	}
	return out, nil
}

func (r *GormRepository) GetAppointment(ctx context.Context, appointmentID string) (Appointment, error) {
	var row appointmentRow
	if err := r.db.WithContext(ctx).Where("appointment_id = ?", appointmentID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return row.toAppointment(), nil
}

func (r *GormRepository) ListAppointments(ctx context.Context, patientID string) ([]Appointment, error) {
	var rows []appointmentRow
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("scheduled_at ASC").
		Order("appointment_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	out := make([]Appointment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAppointment())
	}
	return out, nil
}

func (r *GormRepository) UpdateStatus(ctx context.Context, appointmentID string, from, to Status) (Appointment, error) {
	res := r.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("appointment_id = ? AND status = ?", appointmentID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return Appointment{}, fmt.Errorf("update appointment status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetAppointment(ctx, appointmentID); err != nil {
			return Appointment{}, err
		}
		return Appointment{}, ErrStale
	}
	return r.GetAppointment(ctx, appointmentID)
}

func (r *GormRepository) Seed(ctx context.Context, patients []Patient, appointments []Appointment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, patient := range patients {
			row := patientRow{
				PatientID:   patient.ID,
				Name:        patient.Name,
				Phone:       patient.Phone,
				PhoneDigits: NormalizePhone(patient.Phone),
				DateOfBirth: patient.DateOfBirth,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("seed patient %s: %w", patient.ID, err)
			}
		}
		now := time.Now().UTC()
		for _, appointment := range appointments {
			row := appointmentRow{
				AppointmentID:   appointment.ID,
				PatientID:       appointment.PatientID,
				ScheduledAt:     appointment.ScheduledAt.UTC(),
				Provider:        appointment.Provider,
				AppointmentType: appointment.Type,
				Status:          string(appointment.Status),
				Location:        appointment.Location,
				UpdatedAt:       now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return fmt.Errorf("seed appointment %s: %w", appointment.ID, err)
			}
		}
		return nil
	})
}

func (r *GormRepository) Close() error {
	return dbpkg.Close(r.db)
}

func (r *GormRepository) toPatient(ctx context.Context, row patientRow) (Patient, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("patient_id = ?", row.PatientID).
		Order("scheduled_at ASC").
		Pluck("appointment_id", &ids).Error
	if err != nil {
		return Patient{}, fmt.Errorf("list patient appointments: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return Patient{
		ID:             row.PatientID,
		Name:           row.Name,
		Phone:          row.Phone,
		DateOfBirth:    row.DateOfBirth,
		AppointmentIDs: ids,
	}, nil
}
