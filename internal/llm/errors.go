package llm

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimited       = errors.New("rate limited")
	ErrProvider          = errors.New("provider error")
	ErrMalformedResponse = errors.New("malformed response")
)

type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindProvider          ErrorKind = "provider_error"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// GatewayError aborts a turn. It matches both its kind sentinel and the
// underlying cause with errors.Is.
type GatewayError struct {
	Kind ErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("llm gateway %s", e.Kind)
	}
	return fmt.Sprintf("llm gateway %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *GatewayError) sentinel() error {
	switch e.Kind {
	case KindRateLimited:
		return ErrRateLimited
	case KindMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrProvider
	}
}

func newGatewayError(kind ErrorKind, err error) *GatewayError {
	return &GatewayError{Kind: kind, Err: err}
}
