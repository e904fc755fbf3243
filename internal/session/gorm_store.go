package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "crabstack.local/projects/crab-care/internal/db"
	"crabstack.local/projects/crab-care/internal/ids"
)

// GormStore persists sessions in sqlite or postgres. Turn locks are held in
// process, so a database must not be shared by several servers.
type GormStore struct {
	db    *gorm.DB
	locks *lockSet
	now   func() time.Time
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenMigrated(driver, dsn, &sessionRow{})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &GormStore{
		db:    gormDB,
		locks: newLockSet(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) CreateSession(ctx context.Context) (Record, error) {
	return s.create(ctx, ids.New())
}

func (s *GormStore) GetSession(ctx context.Context, id string) (Record, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord()
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	if !s.locks.tryLock(id) {
		return ErrBusy
	}
	defer s.locks.unlock(id)

	res := s.db.WithContext(ctx).Where("session_id = ?", id).Delete(&sessionRow{})
	if res.Error != nil {
		return fmt.Errorf("delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) StartTurn(ctx context.Context, id string) (*Turn, error) {
	if id == "" {
		id = ids.New()
	} else if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !s.locks.tryLock(id) {
		return nil, ErrBusy
	}
	release := func() { s.locks.unlock(id) }

	rec, err := s.GetSession(ctx, id)
	created := false
	if errors.Is(err, ErrNotFound) {
		rec, err = s.create(ctx, id)
		created = true
	}
	if err != nil {
		release()
		return nil, err
	}
	return &Turn{Session: rec, Created: created, release: release}, nil
}

func (s *GormStore) CompleteTurn(ctx context.Context, turn *Turn, rec Record) error {
	if err := checkTurn(turn, rec); err != nil {
		return err
	}
	rec.CreatedAt = turn.Session.CreatedAt
	rec.LastActiveAt = s.now()
	row, err := sessionRowFromRecord(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) SweepIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	var idle []string
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("last_active_at < ?", cutoff.UTC()).
		Pluck("session_id", &idle).Error
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}

	reaped := make([]string, 0, len(idle))
	for _, id := range idle {
		if !s.locks.tryLock(id) {
			continue
		}
		res := s.db.WithContext(ctx).
			Where("session_id = ? AND last_active_at < ?", id, cutoff.UTC()).
			Delete(&sessionRow{})
		s.locks.unlock(id)
		if res.Error != nil {
			return reaped, fmt.Errorf("delete idle session %s: %w", id, res.Error)
		}
		if res.RowsAffected > 0 {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

func (s *GormStore) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) Close() error {
	return dbpkg.Close(s.db)
}

func (s *GormStore) create(ctx context.Context, id string) (Record, error) {
	now := s.now()
	rec := Record{ID: id, Messages: nil, CreatedAt: now, LastActiveAt: now}
	row, err := sessionRowFromRecord(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}
