package tools

import (
	"encoding/json"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the JSON document handed back to the model as a tool result.
type Envelope struct {
	Status string     `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func okEnvelope(result any) Envelope {
	return Envelope{Status: StatusOK, Result: result}
}

func errorEnvelope(code, message string) Envelope {
	return Envelope{Status: StatusError, Error: &ErrorBody{Code: code, Message: message}}
}

// Outcome is the result of executing one tool call.
type Outcome struct {
	Envelope Envelope
	// BindPatientID is set when the call verified the caller's identity and the
	// session is not yet bound.
	BindPatientID      string
	FailedVerification bool
}

func (o Outcome) IsError() bool {
	return o.Envelope.Status != StatusOK
}

// Code returns the error code, or "" for successful calls.
func (o Outcome) Code() string {
	if o.Envelope.Error == nil {
		return ""
	}
	return o.Envelope.Error.Code
}

// Content renders the envelope as the tool result payload.
func (o Outcome) Content() string {
	encoded, err := json.Marshal(o.Envelope)
	if err != nil {
		fallback, _ := json.Marshal(errorEnvelope(CodeInternal, "tool result could not be encoded"))
		return string(fallback)
	}
	return string(encoded)
}
