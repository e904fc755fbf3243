package model

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// RetryingProvider repeats failed completions with exponential backoff when the
// failure is transient (rate limits, 5xx, network errors).
type RetryingProvider struct {
	name   string
	next   Provider
	logger *log.Logger
	policy RetryPolicy
}

func NewRetryingProvider(name string, next Provider, logger *log.Logger, policy RetryPolicy) *RetryingProvider {
	if next == nil {
		panic("model: retrying provider requires a provider")
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy().MaxInterval
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &RetryingProvider{name: name, next: next, logger: logger, policy: policy}
}

var _ Provider = (*RetryingProvider)(nil)

func (p *RetryingProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var out CompletionResponse
	attempt := 0
	operation := func() error {
		attempt++
		resp, err := p.next.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil || !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.policy.InitialInterval
	exp.MaxInterval = p.policy.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.policy.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		if p.logger != nil {
			p.logger.Printf("provider retry provider=%s attempt=%d wait=%s err=%v", p.name, attempt, wait, err)
		}
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return CompletionResponse{}, err
	}
	return out, nil
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
