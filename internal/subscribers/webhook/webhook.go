// Package webhook delivers conversation lifecycle events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/crab-care/internal/subscribers"
)

const (
	HeaderEvent     = "X-Crab-Care-Event"
	HeaderDelivery  = "X-Crab-Care-Delivery"
	HeaderTimestamp = "X-Crab-Care-Timestamp"
	HeaderSignature = "X-Crab-Care-Signature"

	defaultTimeout  = 10 * time.Second
	maxErrorExcerpt = 4 << 10
)

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Excerpt    string
}

func (e *StatusError) Error() string {
	if e.Excerpt == "" {
		return fmt.Sprintf("webhook answered %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook answered %d: %q", e.StatusCode, e.Excerpt)
}

// retryable reports whether the endpoint may accept the same delivery later.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

type Option func(*Subscriber)

// Subscriber posts each accepted event as JSON. With a secret, the request
// carries an HMAC-SHA256 signature over "<timestamp>.<body>".
type Subscriber struct {
	name     string
	endpoint string
	client   *http.Client
	logger   *log.Logger
	accept   func(subscribers.EventType) bool
	secret   []byte
	now      func() time.Time
}

func New(name string, endpoint string, logger *log.Logger, opts ...Option) *Subscriber {
	sub := &Subscriber{
		name:     strings.TrimSpace(name),
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger,
		now:      time.Now,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.client = client
		}
	}
}

// WithEventFilter limits delivery to event types for which accept is true.
func WithEventFilter(accept func(subscribers.EventType) bool) Option {
	return func(s *Subscriber) {
		s.accept = accept
	}
}

func WithSigningSecret(secret string) Option {
	return func(s *Subscriber) {
		if secret = strings.TrimSpace(secret); secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// Sign returns the X-Crab-Care-Signature value for a body sent at timestamp
// (unix seconds).
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) Handle(ctx context.Context, event subscribers.Event) error {
	if s.accept != nil && !s.accept(event.EventType) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return subscribers.Permanent(fmt.Errorf("encode event %s: %w", event.EventID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return subscribers.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.EventType))
	req.Header.Set(HeaderDelivery, event.EventID)
	req.Header.Set(HeaderTimestamp, timestamp)
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, timestamp, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event %s: %w", event.EventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorExcerpt))
		return nil
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Excerpt: strings.TrimSpace(string(excerpt))}
	if !statusErr.retryable() {
		if s.logger != nil {
			s.logger.Printf("webhook rejected event subscriber=%s event_id=%s status=%d", s.name, event.EventID, resp.StatusCode)
		}
		return subscribers.Permanent(statusErr)
	}
	return statusErr
}
