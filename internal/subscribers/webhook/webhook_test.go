package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crabstack.local/projects/crab-care/internal/subscribers"
)

var deliveredAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type capturedRequest struct {
	method  string
	path    string
	headers http.Header
	body    []byte
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *atomic.Pointer[capturedRequest]) {
	t.Helper()
	var last atomic.Pointer[capturedRequest]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		last.Store(&capturedRequest{method: r.Method, path: r.URL.Path, headers: r.Header.Clone(), body: body})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(server.Close)
	return server, &last
}

func reapedEvent() subscribers.Event {
	return subscribers.Event{
		EventID:    "evt_reaped",
		EventType:  subscribers.EventTypeSessionReaped,
		OccurredAt: deliveredAt,
		SessionID:  "sess_9",
	}
}

func newSubscriber(endpoint string, opts ...Option) *Subscriber {
	sub := New("hooks", endpoint, log.New(io.Discard, "", 0), opts...)
	sub.now = func() time.Time { return deliveredAt }
	return sub
}

func TestDeliverySignsTimestampedBody(t *testing.T) {
	server, last := captureServer(t, http.StatusAccepted, "")
	event := subscribers.Event{
		EventID:    "evt_done",
		EventType:  subscribers.EventTypeTurnCompleted,
		OccurredAt: deliveredAt,
		SessionID:  "sess_1",
		TurnID:     "turn_1",
		Payload:    map[string]any{"iterations": 2},
	}

	if err := newSubscriber(server.URL+"/care/events", WithSigningSecret(" s3cret ")).Handle(context.Background(), event); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got := last.Load()
	if got == nil || got.method != http.MethodPost || got.path != "/care/events" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.headers.Get(HeaderEvent) != "turn.completed" || got.headers.Get(HeaderDelivery) != "evt_done" {
		t.Fatalf("unexpected event headers %v", got.headers)
	}
	timestamp := got.headers.Get(HeaderTimestamp)
	if timestamp != "1772359200" {
		t.Fatalf("unexpected timestamp got=%q want=%q", timestamp, "1772359200")
	}
	if !Verify([]byte("s3cret"), timestamp, got.body, got.headers.Get(HeaderSignature)) {
		t.Fatalf("signature does not verify: %q", got.headers.Get(HeaderSignature))
	}
	if Verify([]byte("s3cret"), "1772359201", got.body, got.headers.Get(HeaderSignature)) {
		t.Fatalf("signature must bind the timestamp")
	}

	var decoded subscribers.Event
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TurnID != "turn_1" || decoded.Payload["iterations"] != float64(2) {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestDeliveryWithoutSecretIsUnsigned(t *testing.T) {
	server, last := captureServer(t, http.StatusNoContent, "")

	if err := New("", server.URL, nil).Handle(context.Background(), reapedEvent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sig := last.Load().headers.Get(HeaderSignature); sig != "" {
		t.Fatalf("expected no signature, got %q", sig)
	}
	if got := New("", server.URL, nil).Name(); got != "webhook" {
		t.Fatalf("unexpected default name got=%q want=%q", got, "webhook")
	}
}

func TestDeliveryFailuresClassified(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadRequest, true},
		{http.StatusGone, true},
	}
	for _, tc := range cases {
		server, _ := captureServer(t, tc.status, "  receiver said no  ")
		err := newSubscriber(server.URL).Handle(context.Background(), reapedEvent())

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("status %d: expected StatusError, got %v", tc.status, err)
		}
		if statusErr.StatusCode != tc.status || statusErr.Excerpt != "receiver said no" {
			t.Fatalf("unexpected status error %+v", statusErr)
		}
		if got := subscribers.IsPermanent(err); got != tc.permanent {
			t.Fatalf("status %d: permanent got=%t want=%t", tc.status, got, tc.permanent)
		}
	}
}

func TestDeliveryUnreachableIsRetryable(t *testing.T) {
	server, _ := captureServer(t, http.StatusOK, "")
	endpoint := server.URL
	server.Close()

	err := newSubscriber(endpoint).Handle(context.Background(), reapedEvent())
	if err == nil || subscribers.IsPermanent(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "evt_reaped") {
		t.Fatalf("expected event id in error, got %v", err)
	}
}

func TestEventFilterSkipsDelivery(t *testing.T) {
	server, last := captureServer(t, http.StatusNoContent, "")
	onlyFailures := WithEventFilter(func(eventType subscribers.EventType) bool {
		return eventType == subscribers.EventTypeTurnFailed
	})

	if err := newSubscriber(server.URL, onlyFailures).Handle(context.Background(), reapedEvent()); err != nil {
		t.Fatalf("filtered delivery: %v", err)
	}
	if last.Load() != nil {
		t.Fatalf("filtered event must not be posted")
	}
}
