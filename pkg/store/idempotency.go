package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// BeginDisposition says what the caller should do after BeginIdempotent.
type BeginDisposition string

const (
	// BeginFresh means the caller owns the key and must execute the effect.
	BeginFresh BeginDisposition = "fresh"

	// BeginCompleted means the effect already ran; Entry carries the outcome.
	BeginCompleted BeginDisposition = "completed"

	// BeginFailed means the effect already failed permanently.
	BeginFailed BeginDisposition = "failed"

	// BeginInProgress means another owner holds a live lock on the key.
	BeginInProgress BeginDisposition = "in_progress"
)

// BeginResult is the outcome of BeginIdempotent.
type BeginResult struct {
	Disposition BeginDisposition

	// Resumed is true when a Fresh grant took over an expired lock rather
	// than creating the entry. A resumed execution may have run partially
	// before, so the caller should probe the side effect before
	// re-executing it.
	Resumed bool

	Entry *models.IdempotencyEntry
}

// BeginIdempotent claims the right to execute the side effect identified by
// key. The in_progress entry doubles as a lock expiring at now + lockTTL;
// an expired lock is taken over by the next caller.
func (s *Store) BeginIdempotent(ctx context.Context, key, owner string, lockTTL time.Duration) (*BeginResult, error) {
	if key == "" || owner == "" {
		return nil, fmt.Errorf("idempotency key and owner are required")
	}
	now := s.now()
	until := now.Add(lockTTL)

	entry := &models.IdempotencyEntry{
		Key:         key,
		State:       models.IdemInProgress,
		Owner:       &owner,
		LockedUntil: &until,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return nil, fmt.Errorf("begin idempotent: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return &BeginResult{Disposition: BeginFresh, Entry: entry}, nil
	}

	var existing models.IdempotencyEntry
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrKeyNotFound)
	}

	switch existing.State {
	case models.IdemCompleted:
		return &BeginResult{Disposition: BeginCompleted, Entry: &existing}, nil
	case models.IdemFailed:
		return &BeginResult{Disposition: BeginFailed, Entry: &existing}, nil
	}

	// in_progress: take over an expired lock; otherwise yield. A live lock
	// yields even to its own owner, so one owner cannot run the effect
	// twice concurrently under the same key.
	upd := s.db.WithContext(ctx).Model(&models.IdempotencyEntry{}).
		Where("key = ? AND state = ?", key, models.IdemInProgress).
		Where("locked_until IS NULL OR locked_until <= ?", now).
		Updates(map[string]any{
			"owner":        owner,
			"locked_until": until,
			"updated_at":   now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("begin idempotent: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return &BeginResult{Disposition: BeginInProgress, Entry: &existing}, nil
	}
	existing.Owner = &owner
	existing.LockedUntil = &until
	return &BeginResult{Disposition: BeginFresh, Resumed: true, Entry: &existing}, nil
}

// CompleteIdempotent records the outcome and makes it durable for every
// future Begin of the same key. Returns models.ErrNotOwner when the lock
// moved to another owner in the meantime.
func (s *Store) CompleteIdempotent(ctx context.Context, key, owner string, outcome []byte) error {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyEntry{}).
		Where("key = ? AND state = ? AND owner = ?", key, models.IdemInProgress, owner).
		Updates(map[string]any{
			"state":        models.IdemCompleted,
			"outcome":      outcome,
			"owner":        nil,
			"locked_until": nil,
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("complete idempotent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotOwner
	}
	return nil
}

// FailIdempotent records a failure. A permanent failure is durable and
// suppresses every future execution of the key; a transient failure deletes
// the entry so the next Begin starts fresh.
func (s *Store) FailIdempotent(ctx context.Context, key, owner, errCode, errMsg string, permanent bool) error {
	var res *gorm.DB
	if permanent {
		res = s.db.WithContext(ctx).Model(&models.IdempotencyEntry{}).
			Where("key = ? AND state = ? AND owner = ?", key, models.IdemInProgress, owner).
			Updates(map[string]any{
				"state":         models.IdemFailed,
				"error_code":    errCode,
				"error_message": errMsg,
				"owner":         nil,
				"locked_until":  nil,
				"updated_at":    s.now(),
			})
	} else {
		res = s.db.WithContext(ctx).
			Where("key = ? AND state = ? AND owner = ?", key, models.IdemInProgress, owner).
			Delete(&models.IdempotencyEntry{})
	}
	if res.Error != nil {
		return fmt.Errorf("fail idempotent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotOwner
	}
	return nil
}

// GetIdempotency returns the stored entry for key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	var entry models.IdempotencyEntry
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrKeyNotFound)
	}
	return &entry, nil
}

// SweepIdempotency deletes terminal entries older than the retention window.
func (s *Store) SweepIdempotency(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("state IN ?", []models.IdempotencyState{models.IdemCompleted, models.IdemFailed}).
		Where("updated_at < ?", cutoff).
		Delete(&models.IdempotencyEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep idempotency: %w", res.Error)
	}
	return res.RowsAffected, nil
}
