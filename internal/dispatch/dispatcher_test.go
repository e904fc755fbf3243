package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/crab-care/internal/subscribers"
)

// scriptedSubscriber fails with the queued errors in order, then succeeds.
type scriptedSubscriber struct {
	mu        sync.Mutex
	failures  []error
	attempts  int
	delivered []string
}

func (s *scriptedSubscriber) Name() string { return "scripted" }

func (s *scriptedSubscriber) Handle(_ context.Context, event subscribers.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	s.delivered = append(s.delivered, event.EventID)
	return nil
}

func (s *scriptedSubscriber) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]string(nil), s.delivered...)
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestDispatchRetryPolicy(t *testing.T) {
	transient := errors.New("connection reset")
	cases := []struct {
		name          string
		failures      []error
		wantAttempts  int
		wantDelivered bool
	}{
		{"first try", nil, 1, true},
		{"recovers within budget", []error{transient, transient}, 3, true},
		{"budget exhausted", []error{transient, transient, transient, transient}, 3, false},
		{"permanent stops at once", []error{subscribers.Permanent(errors.New("410 gone")), transient}, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &scriptedSubscriber{failures: tc.failures}
			d := New(log.New(io.Discard, "", 0), []subscribers.Subscriber{sub}, WithRetry(3, time.Millisecond))

			d.Dispatch(context.Background(), subscribers.Event{EventID: "evt_" + tc.name})
			waitIdle(t, d)

			attempts, delivered := sub.snapshot()
			if attempts != tc.wantAttempts {
				t.Fatalf("unexpected attempts got=%d want=%d", attempts, tc.wantAttempts)
			}
			if (len(delivered) == 1) != tc.wantDelivered {
				t.Fatalf("unexpected delivery state %v", delivered)
			}
		})
	}
}

func TestDispatchFansOutAndSurvivesCanceledRequest(t *testing.T) {
	first := &scriptedSubscriber{failures: []error{errors.New("blip")}}
	second := &scriptedSubscriber{}
	d := New(nil, []subscribers.Subscriber{first, second}, WithRetry(2, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, subscribers.Event{EventID: "evt_after_cancel"})
	waitIdle(t, d)

	for i, sub := range []*scriptedSubscriber{first, second} {
		if _, delivered := sub.snapshot(); len(delivered) != 1 || delivered[0] != "evt_after_cancel" {
			t.Fatalf("subscriber %d: unexpected deliveries %v", i, delivered)
		}
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	blocked := subscriberFunc(func(context.Context, subscribers.Event) error {
		<-release
		return nil
	})
	d := New(nil, []subscribers.Subscriber{blocked})
	d.Dispatch(context.Background(), subscribers.Event{EventID: "evt_slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	waitIdle(t, d)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), subscribers.Event{EventID: "evt_nil"})
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type subscriberFunc func(context.Context, subscribers.Event) error

func (f subscriberFunc) Name() string { return "func" }

func (f subscriberFunc) Handle(ctx context.Context, event subscribers.Event) error {
	return f(ctx, event)
}
