package model

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"
)

type scriptedProvider struct {
	errs  []error
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Content: "ok", Model: req.Model}, nil
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingProviderRetriesTransientErrors(t *testing.T) {
	next := &scriptedProvider{errs: []error{
		&APIError{Provider: "anthropic", StatusCode: http.StatusServiceUnavailable, Message: "busy"},
		&APIError{Provider: "anthropic", StatusCode: http.StatusTooManyRequests, Message: "slow"},
	}}
	provider := NewRetryingProvider("anthropic", next, log.New(io.Discard, "", 0), fastPolicy(3))

	resp, err := provider.Complete(context.Background(), CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "ok" || next.calls != 3 {
		t.Fatalf("unexpected result content=%q calls=%d", resp.Content, next.calls)
	}
}

func TestRetryingProviderStopsOnPermanentErrors(t *testing.T) {
	badRequest := &APIError{Provider: "anthropic", StatusCode: http.StatusBadRequest, Message: "bad"}
	next := &scriptedProvider{errs: []error{badRequest}}
	provider := NewRetryingProvider("anthropic", next, nil, fastPolicy(3))

	_, err := provider.Complete(context.Background(), CompletionRequest{Model: "m"})
	if !errors.Is(err, badRequest) {
		t.Fatalf("expected bad request error, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one call, got %d", next.calls)
	}
}

func TestRetryingProviderCapsAttempts(t *testing.T) {
	busy := &APIError{Provider: "anthropic", StatusCode: http.StatusBadGateway, Message: "busy"}
	next := &scriptedProvider{errs: []error{busy, busy, busy, busy, busy}}
	provider := NewRetryingProvider("anthropic", next, nil, fastPolicy(2))

	_, err := provider.Complete(context.Background(), CompletionRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d calls", next.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ErrMalformedResponse) {
		t.Fatalf("malformed responses must not be retried")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("canceled contexts must not be retried")
	}
	if !IsRetryable(&APIError{Type: "overloaded_error"}) {
		t.Fatalf("overloaded errors should be retried")
	}
}

func TestRegistryBuildWrapsFactoryProvider(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry)

	policy := fastPolicy(1)
	provider, err := registry.Build("Anthropic", Settings{APIKey: "k"}, nil, &policy)
	if err != nil {
		t.Fatalf("build anthropic: %v", err)
	}
	if _, isRetrying := provider.(*RetryingProvider); !isRetrying {
		t.Fatalf("expected retrying wrapper, got %T", provider)
	}
	again, ok := registry.Get("anthropic")
	if !ok || again != provider {
		t.Fatalf("expected built provider to be registered")
	}
	if _, err := registry.Build("bedrock", Settings{}, nil, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
	if same, err := registry.Build("anthropic", Settings{}, nil, nil); err != nil || same != provider {
		t.Fatalf("expected second build to reuse the provider, err=%v", err)
	}
	if names := registry.Names(); len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Fatalf("unexpected names %v", names)
	}
}
