package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"crabstack.local/projects/crab-care/internal/chat"
	"crabstack.local/projects/crab-care/internal/clinic"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	registry *Registry
	repo     *clinic.MemoryRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := clinic.NewMemoryRepository()
	if err := clinic.SeedDemo(context.Background(), repo, testNow); err != nil {
		t.Fatalf("seed: %v", err)
	}
	registry := NewRegistry()
	verifier := clinic.NewVerificationService(nil, repo)
	appointments := clinic.NewAppointmentService(nil, repo, clinic.WithClock(func() time.Time { return testNow }))
	if err := RegisterClinicTools(registry, nil, verifier, appointments); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return fixture{registry: registry, repo: repo}
}

func call(name, args string) chat.ToolCall {
	return chat.ToolCall{ID: "call_" + name, Name: name, Input: json.RawMessage(args)}
}

func decodeEnvelope(t *testing.T, out Outcome) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out.Content()), &decoded); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return decoded
}

func TestRegistryRegisterGetList(t *testing.T) {
	f := newFixture(t)

	names := make([]string, 0)
	for tool := range f.registry.List() {
		names = append(names, tool.Name())
	}
	want := []string{VerifyPatientName, ListAppointmentsName, ConfirmAppointmentName, CancelAppointmentName}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order got=%v want=%v", names, want)
	}

	count := 0
	for range f.registry.List() {
		count++
		break
	}
	for range f.registry.List() {
		count++
	}
	if count != 5 {
		t.Fatalf("expected list to restart from the beginning, counted %d", count)
	}

	err := f.registry.Register(NewVerifyPatientTool(nil, clinic.NewVerificationService(nil, f.repo)))
	var dup *DuplicateToolError
	if !errors.As(err, &dup) || !errors.Is(err, ErrDuplicateTool) || dup.Name != VerifyPatientName {
		t.Fatalf("expected duplicate tool error, got %v", err)
	}

	_, err = f.registry.Get("reschedule_appointment")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) || !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected unknown tool error, got %v", err)
	}

	defs := f.registry.Definitions()
	if len(defs) != 4 || !json.Valid(defs[0].InputSchema) {
		t.Fatalf("unexpected definitions %+v", defs)
	}
}

func TestVerifyPatientBindsSession(t *testing.T) {
	f := newFixture(t)
	inv := Invocation{SessionID: "s1", Now: testNow}

	out := f.registry.Execute(context.Background(), inv, call(VerifyPatientName, `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"1980-01-01"}`))
	if out.IsError() {
		t.Fatalf("unexpected error outcome %s", out.Content())
	}
	if out.BindPatientID != "PATIENT_001" {
		t.Fatalf("unexpected binding got=%q want=%q", out.BindPatientID, "PATIENT_001")
	}

	inv.PatientID = "PATIENT_001"
	again := f.registry.Execute(context.Background(), inv, call(VerifyPatientName, `{"name":"john smith","phone":"5551234567","date_of_birth":"1980-01-01"}`))
	if again.IsError() || again.BindPatientID != "" {
		t.Fatalf("unexpected re-verification outcome %s bind=%q", again.Content(), again.BindPatientID)
	}
	result := decodeEnvelope(t, again)["result"].(map[string]any)
	if result["already_verified"] != true {
		t.Fatalf("expected already_verified, got %v", result)
	}

	other := f.registry.Execute(context.Background(), inv, call(VerifyPatientName, `{"name":"Jane Doe","phone":"555-987-6543","date_of_birth":"1985-05-15"}`))
	if other.Code() != CodeForbidden {
		t.Fatalf("expected forbidden for a different patient, got %s", other.Content())
	}
}

func TestVerifyPatientFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	out := f.registry.Execute(context.Background(), Invocation{Now: testNow}, call(VerifyPatientName, `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"1981-01-01"}`))
	if out.Code() != CodeNotFound || !out.FailedVerification {
		t.Fatalf("expected counted not-found outcome, got %s failed=%v", out.Content(), out.FailedVerification)
	}
}

func TestVerifyPatientValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"single name":    `{"name":"John","phone":"555-123-4567","date_of_birth":"1980-01-01"}`,
		"digits in name": `{"name":"John Sm1th","phone":"555-123-4567","date_of_birth":"1980-01-01"}`,
		"short phone":    `{"name":"John Smith","phone":"555-1234","date_of_birth":"1980-01-01"}`,
		"letters phone":  `{"name":"John Smith","phone":"555-CALL-NOW","date_of_birth":"1980-01-01"}`,
		"bad date":       `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"01/01/1980"}`,
		"future date":    `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"2030-01-01"}`,
		"ancient date":   `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"1850-01-01"}`,
		"missing field":  `{"name":"John Smith","phone":"555-123-4567"}`,
		"unknown field":  `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"1980-01-01","ssn":"1"}`,
		"wrong type":     `{"name":42,"phone":"555-123-4567","date_of_birth":"1980-01-01"}`,
		"trailing data":  `{"name":"John Smith","phone":"555-123-4567","date_of_birth":"1980-01-01"} {}`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			out := f.registry.Execute(context.Background(), Invocation{Now: testNow}, call(VerifyPatientName, args))
			if out.Code() != CodeInvalidArgs {
				t.Fatalf("expected INVALID_ARGS, got %s", out.Content())
			}
			if out.FailedVerification {
				t.Fatalf("validation failures must not count as verification attempts")
			}
		})
	}
}

func TestAppointmentToolsRequireVerification(t *testing.T) {
	f := newFixture(t)
	for _, c := range []chat.ToolCall{
		call(ListAppointmentsName, `{}`),
		call(ConfirmAppointmentName, `{"appointment_id":"APT_001"}`),
		call(CancelAppointmentName, `{"appointment_id":"APT_001"}`),
	} {
		out := f.registry.Execute(context.Background(), Invocation{Now: testNow}, c)
		if out.Code() != CodeUnauthenticated {
			t.Fatalf("%s: expected UNAUTHENTICATED, got %s", c.Name, out.Content())
		}
	}
}

func TestListAppointmentsForBoundPatient(t *testing.T) {
	f := newFixture(t)
	inv := Invocation{PatientID: "PATIENT_001", Now: testNow}

	out := f.registry.Execute(context.Background(), inv, call(ListAppointmentsName, ``))
	if out.IsError() {
		t.Fatalf("unexpected error %s", out.Content())
	}
	result := decodeEnvelope(t, out)["result"].(map[string]any)
	appointments := result["appointments"].([]any)
	if len(appointments) != 2 {
		t.Fatalf("expected two appointments, got %v", appointments)
	}
	first := appointments[0].(map[string]any)
	if first["appointment_id"] != "APT_001" || first["status"] != "scheduled" {
		t.Fatalf("unexpected first appointment %v", first)
	}
}

func TestAppointmentActions(t *testing.T) {
	f := newFixture(t)
	inv := Invocation{PatientID: "PATIENT_001", Now: testNow}
	ctx := context.Background()

	if out := f.registry.Execute(ctx, inv, call(ConfirmAppointmentName, `{"appointment_id":"APT_003"}`)); out.Code() != CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %s", out.Content())
	}
	stored, _ := f.repo.GetAppointment(ctx, "APT_003")
	if stored.Status != clinic.StatusConfirmed {
		t.Fatalf("foreign appointment changed to %s", stored.Status)
	}

	if out := f.registry.Execute(ctx, inv, call(CancelAppointmentName, `{"appointment_id":"APT_002"}`)); out.IsError() {
		t.Fatalf("cancel: %s", out.Content())
	}
	if out := f.registry.Execute(ctx, inv, call(CancelAppointmentName, `{"appointment_id":"APT_002"}`)); out.Code() != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION on second cancel, got %s", out.Content())
	}
	if out := f.registry.Execute(ctx, inv, call(ConfirmAppointmentName, `{"appointment_id":"APT_002"}`)); out.Code() != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION on confirm after cancel, got %s", out.Content())
	}
	if out := f.registry.Execute(ctx, inv, call(ConfirmAppointmentName, `{"appointment_id":"APT_999"}`)); out.Code() != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", out.Content())
	}
	if out := f.registry.Execute(ctx, inv, call(ConfirmAppointmentName, `{"appointment_id":"apt-1"}`)); out.Code() != CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS, got %s", out.Content())
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t)
	out := f.registry.Execute(context.Background(), Invocation{}, call("reschedule_appointment", `{}`))
	if out.Code() != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %s", out.Content())
	}
}

func TestExecuteRecoversFromPanics(t *testing.T) {
	tool := &typedTool[ListAppointmentsArgs]{
		name:   "exploding",
		schema: listAppointmentsSchema,
		run: func(context.Context, Invocation, ListAppointmentsArgs) (any, effect, error) {
			panic("boom")
		},
	}
	out := tool.Execute(context.Background(), Invocation{}, json.RawMessage(`{}`))
	if out.Code() != CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", out.Content())
	}
}
