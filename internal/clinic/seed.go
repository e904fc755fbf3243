package clinic

import (
	"context"
	"fmt"
	"time"
)

// DemoData returns the demo patients and their appointments. Appointments are
// placed relative to the 8th of the month after now, at 09:00 UTC unless an
// hour is given.
func DemoData(now time.Time) ([]Patient, []Appointment) {
	now = now.UTC()
	base := time.Date(now.Year(), now.Month()+1, 8, 9, 0, 0, 0, time.UTC)
	at := func(days, hour int) time.Time {
		return time.Date(base.Year(), base.Month(), base.Day()+days, hour, 0, 0, 0, time.UTC)
	}

	patients := []Patient{
		{ID: "PATIENT_001", Name: "John Smith", Phone: "555-123-4567", DateOfBirth: "1980-01-01"},
		{ID: "PATIENT_002", Name: "Jane Doe", Phone: "555-987-6543", DateOfBirth: "1985-05-15"},
		{ID: "PATIENT_003", Name: "Mike Johnson", Phone: "555-555-1234", DateOfBirth: "1975-12-25"},
		{ID: "PATIENT_004", Name: "Sarah Wilson", Phone: "555-444-3333", DateOfBirth: "1990-08-30"},
	}
	appointments := []Appointment{
		{ID: "APT_001", PatientID: "PATIENT_001", ScheduledAt: at(1, 9), Provider: "Dr. Sarah Johnson", Type: "Annual Physical", Status: StatusScheduled, Location: "Main Clinic - Room 101"},
		{ID: "APT_002", PatientID: "PATIENT_001", ScheduledAt: at(7, 14), Provider: "Dr. Mike Chen", Type: "Follow-up", Status: StatusScheduled, Location: "Main Clinic - Room 205"},
		{ID: "APT_003", PatientID: "PATIENT_002", ScheduledAt: at(2, 10), Provider: "Dr. Emily Davis", Type: "Consultation", Status: StatusConfirmed, Location: "West Clinic - Room 301"},
		{ID: "APT_004", PatientID: "PATIENT_003", ScheduledAt: at(5, 11), Provider: "Dr. Lisa Brown", Type: "Lab Results Review", Status: StatusScheduled, Location: "Main Clinic - Room 150"},
		{ID: "APT_005", PatientID: "PATIENT_004", ScheduledAt: at(3, 15), Provider: "Dr. Robert Taylor", Type: "Specialist Referral", Status: StatusScheduled, Location: "East Clinic - Room 402"},
	}
	return patients, appointments
}

func SeedDemo(ctx context.Context, repo Repository, now time.Time) error {
	patients, appointments := DemoData(now)
	if err := repo.Seed(ctx, patients, appointments); err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}
	return nil
}
