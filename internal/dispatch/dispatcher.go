package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crabstack.local/projects/crab-care/internal/subscribers"
)

const (
	defaultRetryCount   = 3
	defaultRetryBackoff = 150 * time.Millisecond
)

// Dispatcher fans events out to every subscriber asynchronously, retrying
// each failed delivery a bounded number of times unless the subscriber
// reports the failure as permanent.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithRetry(count int, wait time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if wait > 0 {
			d.retryBackoff = wait
		}
	}
}

func New(logger *log.Logger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   defaultRetryCount,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch does not wait for delivery. Cancellation of ctx does not stop
// delivery; events usually outlive the request that produced them.
func (d *Dispatcher) Dispatch(ctx context.Context, event subscribers.Event) {
	if d == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sub := range d.subscribers {
		d.wg.Add(1)
		go func(s subscribers.Subscriber) {
			defer d.wg.Done()
			d.dispatchOne(ctx, s, event)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event subscribers.Event) {
	attempt := 0
	operation := func() error {
		attempt++
		err := sub.Handle(ctx, event)
		if subscribers.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		d.logf("subscriber=%s event_id=%s attempt=%d err=%v", sub.Name(), event.EventID, attempt, err)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryBackoff), uint64(d.retryCount-1))
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		d.logf("subscriber=%s event_id=%s attempt=%d err=%v giving up", sub.Name(), event.EventID, attempt, err)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
