package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// StartJoin creates a fan-in barrier expecting expectedSteps completions.
// A zero-step join is satisfied on creation. Returns models.ErrDuplicateKey
// when joinID already exists.
func (s *Store) StartJoin(ctx context.Context, joinID, tenantID string, expectedSteps int, metadata string) error {
	if expectedSteps < 0 {
		return fmt.Errorf("expected steps must be >= 0, got %d", expectedSteps)
	}
	now := s.now()

	status := models.JoinPending
	if expectedSteps == 0 {
		status = models.JoinSatisfied
	}

	join := &models.Join{
		JoinID:         joinID,
		TenantID:       tenantID,
		ExpectedSteps:  expectedSteps,
		Status:         status,
		CreatedUTC:     now,
		LastUpdatedUTC: now,
		Metadata:       metadata,
	}
	if err := s.db.WithContext(ctx).Create(join).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("start join: %w", err)
	}
	return nil
}

// AttachJoinMessage registers an outbox message as one step of a join.
// Attaching the same message twice is rejected with models.ErrMemberExists.
func (s *Store) AttachJoinMessage(ctx context.Context, joinID, outboxMessageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var join models.Join
		if err := tx.Where("join_id = ?", joinID).First(&join).Error; err != nil {
			return convertNotFoundError(err, models.ErrJoinNotFound)
		}
		member := &models.JoinMember{
			JoinID:          joinID,
			OutboxMessageID: outboxMessageID,
		}
		if err := tx.Create(member).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrMemberExists
			}
			return err
		}
		return nil
	})
}

// GetJoin returns the join with its current counters and status.
func (s *Store) GetJoin(ctx context.Context, joinID string) (*models.Join, error) {
	var join models.Join
	if err := s.db.WithContext(ctx).Where("join_id = ?", joinID).First(&join).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrJoinNotFound)
	}
	return &join, nil
}

// ListJoinMembers returns the members of a join in attachment order.
func (s *Store) ListJoinMembers(ctx context.Context, joinID string) ([]*models.JoinMember, error) {
	var members []*models.JoinMember
	err := s.db.WithContext(ctx).
		Where("join_id = ?", joinID).
		Order("id ASC").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("list join members: %w", err)
	}
	return members, nil
}

// advanceJoinMembers settles join membership for outbox messages that just
// reached a terminal state. Runs inside the Ack/Fail transaction so counters
// can never drift from message outcomes.
//
// Each member is settled at most once (the NULL-timestamp guard), and the
// counter bump is guarded by completed + failed < expected so a duplicate
// settlement attempt cannot overshoot.
func (s *Store) advanceJoinMembers(tx *gorm.DB, outboxIDs []string, now time.Time, failed bool) error {
	var members []*models.JoinMember
	err := tx.
		Where("outbox_message_id IN ?", outboxIDs).
		Where("completed_at IS NULL AND failed_at IS NULL").
		Find(&members).Error
	if err != nil {
		return err
	}

	memberCol, counterCol := "completed_at", "completed_steps"
	if failed {
		memberCol, counterCol = "failed_at", "failed_steps"
	}

	for _, m := range members {
		res := tx.Model(&models.JoinMember{}).
			Where("id = ?", m.ID).
			Where("completed_at IS NULL AND failed_at IS NULL").
			Update(memberCol, now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		res = tx.Model(&models.Join{}).
			Where("join_id = ?", m.JoinID).
			Where("completed_steps + failed_steps < expected_steps").
			Updates(map[string]any{
				counterCol:         gorm.Expr(counterCol + " + 1"),
				"last_updated_utc": now,
			})
		if res.Error != nil {
			return res.Error
		}

		if err := settleJoinStatus(tx, m.JoinID, now); err != nil {
			return err
		}
	}
	return nil
}

// settleJoinStatus flips a pending join to its terminal status once all
// expected steps are accounted for: satisfied only when every step
// completed, failed when any step failed.
func settleJoinStatus(tx *gorm.DB, joinID string, now time.Time) error {
	err := tx.Model(&models.Join{}).
		Where("join_id = ? AND status = ?", joinID, models.JoinPending).
		Where("completed_steps = expected_steps").
		Updates(map[string]any{
			"status":           models.JoinSatisfied,
			"last_updated_utc": now,
		}).Error
	if err != nil {
		return err
	}
	return tx.Model(&models.Join{}).
		Where("join_id = ? AND status = ?", joinID, models.JoinPending).
		Where("completed_steps + failed_steps = expected_steps AND failed_steps > 0").
		Updates(map[string]any{
			"status":           models.JoinFailed,
			"last_updated_utc": now,
		}).Error
}
