package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"crabstack.local/projects/crab-care/internal/clinic"
	"crabstack.local/projects/crab-care/internal/model"
)

// Invocation carries the session context a tool call runs in.
type Invocation struct {
	SessionID string
	CallID    string
	// PatientID is the patient bound to the session, "" when unverified.
	PatientID string
	Now       time.Time
}

// Tool is one of the clinic tools built in this package. The set is closed:
// only constructors here can produce a Tool.
type Tool interface {
	Name() string
	Definition() model.ToolDefinition
	Execute(ctx context.Context, inv Invocation, rawArgs json.RawMessage) Outcome
	sealed()
}

// arguments is implemented by every per-tool argument struct.
type arguments interface {
	validate(now time.Time) error
}

type effect struct {
	bindPatientID      string
	failedVerification bool
}

type runFunc[A arguments] func(ctx context.Context, inv Invocation, args A) (any, effect, error)

type typedTool[A arguments] struct {
	logger      *log.Logger
	name        string
	description string
	schema      json.RawMessage
	run         runFunc[A]
}

func (t *typedTool[A]) Name() string { return t.name }

func (t *typedTool[A]) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		InputSchema: append(json.RawMessage(nil), t.schema...),
	}
}

func (t *typedTool[A]) sealed() {}

func (t *typedTool[A]) Execute(ctx context.Context, inv Invocation, rawArgs json.RawMessage) (out Outcome) {
	if inv.Now.IsZero() {
		inv.Now = time.Now().UTC()
	}
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logf("tool panic tool=%s session_id=%s call_id=%s panic=%v", t.name, inv.SessionID, inv.CallID, recovered)
			out = Outcome{Envelope: errorEnvelope(CodeInternal, "internal error")}
		}
		t.logf("tool result tool=%s session_id=%s call_id=%s status=%s code=%s duration_ms=%d",
			t.name, inv.SessionID, inv.CallID, out.Envelope.Status, out.Code(), time.Since(start).Milliseconds())
	}()

	args, err := decodeArgs[A](rawArgs)
	if err == nil {
		err = args.validate(inv.Now)
	}
	if err != nil {
		return Outcome{Envelope: errorEnvelope(CodeInvalidArgs, err.Error())}
	}

	result, eff, err := t.run(ctx, inv, args)
	out = Outcome{BindPatientID: eff.bindPatientID, FailedVerification: eff.failedVerification}
	if err != nil {
		code, message := classify(err)
		if code == CodeInternal {
			t.logf("tool failed tool=%s session_id=%s call_id=%s err=%v", t.name, inv.SessionID, inv.CallID, err)
		}
		out.Envelope = errorEnvelope(code, message)
		return out
	}
	out.Envelope = okEnvelope(result)
	return out
}

func (t *typedTool[A]) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

// decodeArgs strictly decodes raw into A: unknown fields and trailing data
// are rejected.
func decodeArgs[A arguments](raw json.RawMessage) (A, error) {
	var args A
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, &ValidationError{Message: "arguments must be a JSON object matching the schema: " + describeDecodeError(err)}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return args, &ValidationError{Message: "arguments must contain a single JSON object"}
	}
	return args, nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return strings.TrimPrefix(err.Error(), "json: ")
}

func classify(err error) (string, string) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		return CodeInvalidArgs, validation.Error()
	case errors.Is(err, clinic.ErrUnauthenticated):
		return CodeUnauthenticated, "the patient must be verified with verify_patient before using appointment tools"
	case errors.Is(err, clinic.ErrForbidden):
		return CodeForbidden, "the appointment belongs to a different patient"
	case errors.Is(err, clinic.ErrInvalidTransition):
		return CodeInvalidTransition, err.Error()
	case errors.Is(err, clinic.ErrNotFound):
		return CodeNotFound, "no matching record was found"
	}
	return CodeInternal, "internal error"
}
