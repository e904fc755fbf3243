package gateway

import (
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-care/internal/session"
)

// SystemPrompt is the static, cacheable part of every request.
const SystemPrompt = `You are a helpful healthcare assistant for appointment management.

Your responsibilities:
1. Verify the patient's identity before sharing any appointment information.
2. Help patients list, confirm and cancel their appointments.
3. Answer clearly, professionally and with empathy.

Security rules:
- Never reveal appointment information before verification succeeded.
- Verify identity with full name, phone number and date of birth using the verify_patient tool.
- Use list_appointments, confirm_appointment and cancel_appointment only after verification.
- Never guess appointment ids; look them up with list_appointments.
- If a tool returns an error, explain the problem in plain language without internal codes.`

const (
	failureReply = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."
	budgetReply  = "I'm sorry, I wasn't able to finish that request. Could you rephrase it or try again?"
	emptyReply   = "I'm sorry, I don't have an answer for that. Could you tell me more about what you need?"
)

// statusBlock describes the session for the uncached part of the prompt.
func statusBlock(rec session.Record, now time.Time) string {
	var b strings.Builder
	b.WriteString("Current session status:\n")
	if rec.Verified() {
		fmt.Fprintf(&b, "- Patient verified: YES (Patient ID: %s)\n", rec.PatientID)
		b.WriteString("- Appointment tools: AVAILABLE\n")
	} else {
		b.WriteString("- Patient verified: NO\n")
		b.WriteString("- Appointment tools: NOT AVAILABLE (verification required)\n")
	}
	fmt.Fprintf(&b, "- Current date and time (UTC): %s", now.UTC().Format("2006-01-02 15:04:05"))
	return b.String()
}
