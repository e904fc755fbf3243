package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"crabstack.local/projects/crab-care/internal/chat"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	gormStore, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	memory := NewMemoryStore()
	t.Cleanup(func() {
		_ = gormStore.Close()
		_ = memory.Close()
	})
	return map[string]Store{"memory": memory, "gorm": gormStore}
}

func TestStoreTurnLifecycle(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			turn, err := store.StartTurn(ctx, "")
			if err != nil {
				t.Fatalf("start turn: %v", err)
			}
			if !turn.Created || len(turn.Session.ID) != 36 {
				t.Fatalf("expected new session with generated id, got %+v", turn.Session)
			}

			rec := turn.Session.Clone()
			rec.PatientID = "PATIENT_001"
			rec.FailedVerifications = 1
			rec.Messages = append(rec.Messages, chat.User("Hello"), chat.AssistantText("Hi, how can I help?"))
			if err := store.CompleteTurn(ctx, turn, rec); err != nil {
				t.Fatalf("complete turn: %v", err)
			}
			turn.Release()

			loaded, err := store.GetSession(ctx, rec.ID)
			if err != nil {
				t.Fatalf("get session: %v", err)
			}
			if loaded.PatientID != "PATIENT_001" || loaded.FailedVerifications != 1 || len(loaded.Messages) != 2 {
				t.Fatalf("unexpected loaded session %+v", loaded)
			}
			if got := loaded.Messages[1].Content(); got != "Hi, how can I help?" {
				t.Fatalf("unexpected assistant text got=%q want=%q", got, "Hi, how can I help?")
			}

			next, err := store.StartTurn(ctx, rec.ID)
			if err != nil {
				t.Fatalf("start second turn: %v", err)
			}
			defer next.Release()
			if next.Created || len(next.Session.Messages) != 2 {
				t.Fatalf("expected existing session, got created=%v messages=%d", next.Created, len(next.Session.Messages))
			}
		})
	}
}

func TestStoreRejectsConcurrentTurns(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			turn, err := store.StartTurn(ctx, "session-busy")
			if err != nil {
				t.Fatalf("start turn: %v", err)
			}

			if _, err := store.StartTurn(ctx, "session-busy"); !errors.Is(err, ErrBusy) {
				t.Fatalf("expected ErrBusy, got %v", err)
			}
			if err := store.DeleteSession(ctx, "session-busy"); !errors.Is(err, ErrBusy) {
				t.Fatalf("expected delete to fail while busy, got %v", err)
			}

			turn.Release()
			turn.Release()
			again, err := store.StartTurn(ctx, "session-busy")
			if err != nil {
				t.Fatalf("start turn after release: %v", err)
			}
			again.Release()
		})
	}
}

func TestMemoryStoreSerializesParallelStarts(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	started, busy := 0, 0
	turns := make([]*Turn, 0)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := store.StartTurn(context.Background(), "shared")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
				turns = append(turns, turn)
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if started != 1 || busy != 15 {
		t.Fatalf("expected exactly one turn to start, started=%d busy=%d", started, busy)
	}
	turns[0].Release()
}

func TestStoreDeleteAndValidation(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := store.CreateSession(ctx)
			if err != nil {
				t.Fatalf("create session: %v", err)
			}
			if count, _ := store.Count(ctx); count != 1 {
				t.Fatalf("unexpected count %d", count)
			}
			if err := store.DeleteSession(ctx, rec.ID); err != nil {
				t.Fatalf("delete session: %v", err)
			}
			if err := store.DeleteSession(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := store.GetSession(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := store.StartTurn(ctx, "bad id!"); !errors.Is(err, ErrInvalidID) {
				t.Fatalf("expected ErrInvalidID, got %v", err)
			}
			if _, err := store.StartTurn(ctx, strings.Repeat("a", maxIDLength+1)); !errors.Is(err, ErrInvalidID) {
				t.Fatalf("expected ErrInvalidID for long id, got %v", err)
			}
		})
	}
}

func TestCompleteTurnRejectsForeignRecord(t *testing.T) {
	store := NewMemoryStore()
	turn, err := store.StartTurn(context.Background(), "owner")
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	defer turn.Release()
	if err := store.CompleteTurn(context.Background(), turn, Record{ID: "intruder"}); err == nil {
		t.Fatalf("expected mismatched record to be rejected")
	}
}

func TestTurnSnapshotIsIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	turn, _ := store.StartTurn(ctx, "iso")
	rec := turn.Session.Clone()
	rec.Messages = append(rec.Messages, chat.User("hi"))
	_ = store.CompleteTurn(ctx, turn, rec)
	turn.Release()

	next, _ := store.StartTurn(ctx, "iso")
	defer next.Release()
	next.Session.Messages[0].Text = "mutated"

	loaded, _ := store.GetSession(ctx, "iso")
	if loaded.Messages[0].Text != "hi" {
		t.Fatalf("stored history was mutated through a snapshot: %q", loaded.Messages[0].Text)
	}
}
