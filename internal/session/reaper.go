package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepInterval = time.Minute

// ReapHook observes sessions removed by a sweep.
type ReapHook func(ctx context.Context, sessionIDs []string)

// Reaper periodically deletes sessions idle for longer than the idle timeout.
type Reaper struct {
	logger   *log.Logger
	store    Store
	idle     time.Duration
	interval time.Duration
	now      func() time.Time
	onReap   ReapHook

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

type ReaperOption func(*Reaper)

func WithSweepInterval(interval time.Duration) ReaperOption {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithReapHook(hook ReapHook) ReaperOption {
	return func(r *Reaper) {
		r.onReap = hook
	}
}

func withReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

func NewReaper(logger *log.Logger, store Store, idle time.Duration, opts ...ReaperOption) *Reaper {
	if store == nil {
		panic("session: reaper requires a store")
	}
	if idle <= 0 {
		panic("session: reaper requires a positive idle timeout")
	}
	r := &Reaper{
		logger:   logger,
		store:    store,
		idle:     idle,
		interval: defaultSweepInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules sweeps every interval until Stop.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@every "+r.interval.String(), func() { r.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	r.cron, r.cancel = c, cancel
	r.logf("session reaper started idle_timeout=%s interval=%s", r.idle, r.interval)
	return nil
}

// Stop cancels scheduling and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	r.logf("session reaper stopped")
}

// Sweep runs one pass and returns how many sessions were deleted.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().UTC().Add(-r.idle)
	reaped, err := r.store.SweepIdle(ctx, cutoff)
	if err != nil {
		r.logf("session sweep failed err=%v", err)
	}
	if len(reaped) == 0 {
		return 0
	}
	r.logf("session sweep reaped=%d cutoff=%s", len(reaped), cutoff.Format(time.RFC3339))
	if r.onReap != nil {
		r.onReap(ctx, reaped)
	}
	return len(reaped)
}

func (r *Reaper) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
