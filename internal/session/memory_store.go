package session

import (
	"context"
	"sync"
	"time"

	"crabstack.local/projects/crab-care/internal/ids"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	locks    *lockSet
	closed   bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Record),
		locks:    newLockSet(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateSession(_ context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, errClosed
	}
	rec := s.newRecordLocked(ids.New())
	return rec.Clone(), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, errClosed
	}
	rec, ok := s.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	if !s.locks.tryLock(id) {
		return ErrBusy
	}
	defer s.locks.unlock(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) StartTurn(_ context.Context, id string) (*Turn, error) {
	if id == "" {
		id = ids.New()
	} else if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !s.locks.tryLock(id) {
		return nil, ErrBusy
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.locks.unlock(id)
		return nil, errClosed
	}
	rec, ok := s.sessions[id]
	if !ok {
		rec = s.newRecordLocked(id)
	}
	return &Turn{
		Session: rec.Clone(),
		Created: !ok,
		release: func() { s.locks.unlock(id) },
	}, nil
}

func (s *MemoryStore) CompleteTurn(_ context.Context, turn *Turn, rec Record) error {
	if err := checkTurn(turn, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	stored := rec.Clone()
	stored.CreatedAt = turn.Session.CreatedAt
	stored.LastActiveAt = s.now()
	s.sessions[rec.ID] = stored
	return nil
}

func (s *MemoryStore) SweepIdle(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	reaped := make([]string, 0)
	for id, rec := range s.sessions {
		if !rec.LastActiveAt.Before(cutoff) {
			continue
		}
		if !s.locks.tryLock(id) {
			continue
		}
		delete(s.sessions, id)
		s.locks.unlock(id)
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) newRecordLocked(id string) Record {
	now := s.now()
	rec := Record{ID: id, CreatedAt: now, LastActiveAt: now}
	s.sessions[id] = rec
	return rec
}
