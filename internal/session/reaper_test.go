package session

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func TestReaperSweepsOnlyIdleSessions(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idle, _ := store.CreateSession(ctx)
			busy, _ := store.CreateSession(ctx)
			turn, err := store.StartTurn(ctx, busy.ID)
			if err != nil {
				t.Fatalf("start turn: %v", err)
			}

			var hooked []string
			future := time.Now().Add(2 * time.Hour)
			reaper := NewReaper(log.New(io.Discard, "", 0), store, time.Hour,
				withReaperClock(func() time.Time { return future }),
				WithReapHook(func(_ context.Context, ids []string) { hooked = append(hooked, ids...) }),
			)

			if got := reaper.Sweep(ctx); got != 1 {
				t.Fatalf("unexpected reaped count got=%d want=1", got)
			}
			if len(hooked) != 1 || hooked[0] != idle.ID {
				t.Fatalf("unexpected hook ids %v", hooked)
			}
			if _, err := store.GetSession(ctx, busy.ID); err != nil {
				t.Fatalf("busy session must survive the sweep: %v", err)
			}

			turn.Release()
			if got := reaper.Sweep(ctx); got != 1 {
				t.Fatalf("expected released session to be reaped, got %d", got)
			}
		})
	}
}

func TestReaperKeepsFreshSessions(t *testing.T) {
	store := NewMemoryStore()
	_, _ = store.CreateSession(context.Background())
	reaper := NewReaper(nil, store, time.Hour)
	if got := reaper.Sweep(context.Background()); got != 0 {
		t.Fatalf("fresh session reaped, got %d", got)
	}
}

func TestReaperStartStop(t *testing.T) {
	store := NewMemoryStore()
	reaper := NewReaper(nil, store, time.Hour, WithSweepInterval(time.Hour))
	if err := reaper.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reaper.Start(); err == nil {
		t.Fatalf("expected second start to fail")
	}
	reaper.Stop()
	reaper.Stop()
}
