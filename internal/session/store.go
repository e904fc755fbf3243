package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crabstack.local/projects/crab-care/internal/chat"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrBusy      = errors.New("session busy")
	ErrInvalidID = errors.New("invalid session id")
	errClosed    = errors.New("session store is closed")
)

const maxIDLength = 128

// Record is the persisted state of one conversation.
type Record struct {
	ID                  string         `json:"session_id"`
	PatientID           string         `json:"patient_id,omitempty"`
	FailedVerifications int            `json:"failed_verifications"`
	Messages            []chat.Message `json:"messages"`
	CreatedAt           time.Time      `json:"created_at"`
	LastActiveAt        time.Time      `json:"last_active_at"`
}

func (r Record) Verified() bool {
	return r.PatientID != ""
}

func (r Record) Clone() Record {
	out := r
	out.Messages = chat.CloneMessages(r.Messages)
	return out
}

// Store keeps sessions and serializes turns per session. A session can have
// at most one turn in flight; a second StartTurn fails with ErrBusy.
type Store interface {
	CreateSession(ctx context.Context) (Record, error)
	GetSession(ctx context.Context, id string) (Record, error)
	DeleteSession(ctx context.Context, id string) error
	// StartTurn locks the session, creating it when id is unknown or empty.
	StartTurn(ctx context.Context, id string) (*Turn, error)
	// CompleteTurn atomically replaces the session state with rec.
	CompleteTurn(ctx context.Context, turn *Turn, rec Record) error
	// SweepIdle deletes sessions inactive since before cutoff that are not
	// running a turn and returns their ids.
	SweepIdle(ctx context.Context, cutoff time.Time) ([]string, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Turn holds a session lock. Session is a private copy of the state at the
// start of the turn.
type Turn struct {
	Session Record
	Created bool

	once    sync.Once
	release func()
}

// Release unlocks the session. It is safe to call more than once.
func (t *Turn) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// ValidateID accepts up to 128 characters of letters, digits, '-' and '_'.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: length must be between 1 and %d", ErrInvalidID, maxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidID, r)
		}
	}
	return nil
}

func checkTurn(turn *Turn, rec Record) error {
	if turn == nil {
		return fmt.Errorf("complete turn: nil turn")
	}
	if rec.ID != turn.Session.ID {
		return fmt.Errorf("complete turn: record %q does not belong to session %q", rec.ID, turn.Session.ID)
	}
	return nil
}

// lockSet is a set of non-blocking per-key locks.
type lockSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{held: make(map[string]struct{})}
}

func (l *lockSet) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *lockSet) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *lockSet) locked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
