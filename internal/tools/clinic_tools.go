package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"crabstack.local/projects/crab-care/internal/clinic"
)

const (
	VerifyPatientName      = "verify_patient"
	ListAppointmentsName   = "list_appointments"
	ConfirmAppointmentName = "confirm_appointment"
	CancelAppointmentName  = "cancel_appointment"
)

var verifyPatientSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 2, "maxLength": 100, "description": "Patient's full legal name (first and last name)"},
    "phone": {"type": "string", "description": "Patient's primary phone number, for example 555-123-4567"},
    "date_of_birth": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "Date of birth in YYYY-MM-DD format"}
  },
  "required": ["name", "phone", "date_of_birth"],
  "additionalProperties": false
}`)

var listAppointmentsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "include_past": {"type": "boolean", "description": "Also return appointments that already took place"}
  },
  "additionalProperties": false
}`)

var appointmentActionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "appointment_id": {"type": "string", "pattern": "^APT_[0-9]{3,}$", "description": "Exact appointment id, for example APT_001"}
  },
  "required": ["appointment_id"],
  "additionalProperties": false
}`)

type VerifyResult struct {
	Verified        bool   `json:"verified"`
	PatientID       string `json:"patient_id"`
	AlreadyVerified bool   `json:"already_verified"`
	Message         string `json:"message"`
}

type AppointmentList struct {
	PatientID    string               `json:"patient_id"`
	IncludePast  bool                 `json:"include_past"`
	Appointments []clinic.Appointment `json:"appointments"`
}

type ActionResult struct {
	Appointment clinic.Appointment `json:"appointment"`
	Message     string             `json:"message"`
}

func NewVerifyPatientTool(logger *log.Logger, verifier *clinic.VerificationService) Tool {
	if verifier == nil {
		panic("tools: verify_patient requires a verification service")
	}
	return &typedTool[VerifyPatientArgs]{
		logger: logger,
		name:   VerifyPatientName,
		description: "Verify the patient's identity with full name, phone number and date of birth. " +
			"Must succeed before any appointment tool can be used. Call again only if verification failed.",
		schema: verifyPatientSchema,
		run: func(ctx context.Context, inv Invocation, args VerifyPatientArgs) (any, effect, error) {
			patient, err := verifier.Verify(ctx, args.Name, args.Phone, strings.TrimSpace(args.DateOfBirth))
			if errors.Is(err, clinic.ErrNotFound) {
				return nil, effect{failedVerification: true}, err
			}
			if err != nil {
				return nil, effect{}, err
			}
			if inv.PatientID != "" {
				if inv.PatientID != patient.ID {
					return nil, effect{}, clinic.ErrForbidden
				}
				return VerifyResult{
					Verified:        true,
					PatientID:       patient.ID,
					AlreadyVerified: true,
					Message:         "The patient is already verified for this conversation.",
				}, effect{}, nil
			}
			return VerifyResult{
				Verified:  true,
				PatientID: patient.ID,
				Message:   "Identity verified. Appointment tools are now available.",
			}, effect{bindPatientID: patient.ID}, nil
		},
	}
}

func NewListAppointmentsTool(logger *log.Logger, appointments *clinic.AppointmentService) Tool {
	if appointments == nil {
		panic("tools: list_appointments requires an appointment service")
	}
	return &typedTool[ListAppointmentsArgs]{
		logger: logger,
		name:   ListAppointmentsName,
		description: "List the verified patient's appointments in chronological order. " +
			"Only upcoming appointments are returned unless include_past is true.",
		schema: listAppointmentsSchema,
		run: func(ctx context.Context, inv Invocation, args ListAppointmentsArgs) (any, effect, error) {
			list, err := appointments.List(ctx, inv.PatientID, args.IncludePast)
			if err != nil {
				return nil, effect{}, err
			}
			return AppointmentList{PatientID: inv.PatientID, IncludePast: args.IncludePast, Appointments: list}, effect{}, nil
		},
	}
}

func NewConfirmAppointmentTool(logger *log.Logger, appointments *clinic.AppointmentService) Tool {
	if appointments == nil {
		panic("tools: confirm_appointment requires an appointment service")
	}
	return &typedTool[AppointmentActionArgs]{
		logger: logger,
		name:   ConfirmAppointmentName,
		description: "Confirm a scheduled appointment of the verified patient. " +
			"Only appointments in status scheduled can be confirmed.",
		schema: appointmentActionSchema,
		run: func(ctx context.Context, inv Invocation, args AppointmentActionArgs) (any, effect, error) {
			updated, err := appointments.Confirm(ctx, inv.PatientID, strings.TrimSpace(args.AppointmentID))
			if err != nil {
				return nil, effect{}, err
			}
			return ActionResult{Appointment: updated, Message: "Appointment " + updated.ID + " is confirmed."}, effect{}, nil
		},
	}
}

func NewCancelAppointmentTool(logger *log.Logger, appointments *clinic.AppointmentService) Tool {
	if appointments == nil {
		panic("tools: cancel_appointment requires an appointment service")
	}
	return &typedTool[AppointmentActionArgs]{
		logger: logger,
		name:   CancelAppointmentName,
		description: "Cancel a scheduled or confirmed appointment of the verified patient. " +
			"Cancelled appointments cannot be restored.",
		schema: appointmentActionSchema,
		run: func(ctx context.Context, inv Invocation, args AppointmentActionArgs) (any, effect, error) {
			updated, err := appointments.Cancel(ctx, inv.PatientID, strings.TrimSpace(args.AppointmentID))
			if err != nil {
				return nil, effect{}, err
			}
			return ActionResult{Appointment: updated, Message: "Appointment " + updated.ID + " is cancelled."}, effect{}, nil
		},
	}
}

// RegisterClinicTools registers the four clinic tools in their canonical order.
func RegisterClinicTools(r *Registry, logger *log.Logger, verifier *clinic.VerificationService, appointments *clinic.AppointmentService) error {
	for _, tool := range []Tool{
		NewVerifyPatientTool(logger, verifier),
		NewListAppointmentsTool(logger, appointments),
		NewConfirmAppointmentTool(logger, appointments),
		NewCancelAppointmentTool(logger, appointments),
	} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
