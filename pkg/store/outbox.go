package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// OutboxEnqueue is the caller-facing shape of one enqueue.
type OutboxEnqueue struct {
	Topic         string
	Payload       []byte
	CorrelationID string

	// MessageKey, when non-empty, makes the enqueue idempotent.
	MessageKey string

	// DueTime defers visibility until the given instant.
	DueTime *time.Time
}

// EnqueueOutbox inserts one Pending outbox message and returns its id.
// Returns models.ErrDuplicateKey when MessageKey is already present.
func (s *Store) EnqueueOutbox(ctx context.Context, e OutboxEnqueue) (string, error) {
	return s.enqueueOutbox(s.db.WithContext(ctx), e)
}

// EnqueueOutboxTx is EnqueueOutbox joining a caller-provided transaction,
// so the message commits atomically with the caller's domain write.
func (s *Store) EnqueueOutboxTx(tx *gorm.DB, e OutboxEnqueue) (string, error) {
	return s.enqueueOutbox(tx, e)
}

func (s *Store) enqueueOutbox(tx *gorm.DB, e OutboxEnqueue) (string, error) {
	if e.Topic == "" {
		return "", fmt.Errorf("topic is required")
	}

	msg := &models.OutboxMessage{
		ID:            uuid.NewString(),
		Topic:         e.Topic,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
		Status:        models.StatusPending,
		CreatedAt:     s.now(),
	}
	if e.MessageKey != "" {
		key := e.MessageKey
		msg.MessageKey = &key
	}
	if e.DueTime != nil {
		due := clock.ToUTC(*e.DueTime)
		msg.DueTimeUTC = &due
	}

	if err := tx.Create(msg).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicateKey
		}
		return "", err
	}
	return msg.ID, nil
}

// GetOutboxMessage returns one message by id.
func (s *Store) GetOutboxMessage(ctx context.Context, id string) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrMessageNotFound)
	}
	return &msg, nil
}

// ClaimOutbox atomically leases up to batch due Pending messages for owner.
//
// Candidates satisfy status = pending AND (locked_until IS NULL OR expired)
// AND (due_time_utc IS NULL OR due), ordered by (created_at, id). On
// PostgreSQL the candidate select uses FOR UPDATE SKIP LOCKED so concurrent
// claimers interleave instead of blocking; on SQLite the surrounding write
// transaction serializes claimers and the conditional update arbitrates.
func (s *Store) ClaimOutbox(ctx context.Context, owner string, leaseFor time.Duration, batch int) ([]*models.OutboxMessage, error) {
	now := s.now()
	until := now.Add(leaseFor)

	var claimed []*models.OutboxMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.OutboxMessage{}).
			Where("status = ?", models.StatusPending).
			Where("locked_until IS NULL OR locked_until <= ?", now).
			Where("due_time_utc IS NULL OR due_time_utc <= ?", now).
			Order("created_at ASC, id ASC").
			Limit(batch)
		if s.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []*models.OutboxMessage
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, 0, len(candidates))
		for _, m := range candidates {
			ids = append(ids, m.ID)
		}

		// Re-check status inside the update; a row stolen between select
		// and update simply drops out of the claim.
		res := tx.Model(&models.OutboxMessage{}).
			Where("id IN ?", ids).
			Where("status = ?", models.StatusPending).
			Updates(map[string]any{
				"status":       models.StatusLeased,
				"owner_token":  owner,
				"locked_until": until,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return tx.
			Where("id IN ?", ids).
			Where("owner_token = ?", owner).
			Where("status = ?", models.StatusLeased).
			Order("created_at ASC, id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return claimed, nil
}

// ExtendOutboxLease pushes locked_until forward for rows still leased by
// owner. Used by the dispatcher to cover long-running handlers.
func (s *Store) ExtendOutboxLease(ctx context.Context, owner string, ids []string, leaseFor time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id IN ?", ids).
		Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
		Update("locked_until", now.Add(leaseFor))
	return res.RowsAffected, res.Error
}

// AckOutbox marks messages Dispatched. Only rows still leased by owner are
// affected; join members attached to acked rows are completed in the same
// transaction.
func (s *Store) AckOutbox(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()

	var acked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxMessage{}).
			Where("id IN ?", ids).
			Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
			Updates(map[string]any{
				"status":       models.StatusDispatched,
				"owner_token":  nil,
				"locked_until": nil,
				"processed_at": now,
				"processed_by": owner,
			})
		if res.Error != nil {
			return res.Error
		}
		acked = res.RowsAffected
		if acked == 0 {
			return nil
		}
		return s.advanceJoinMembers(tx, ids, now, false)
	})
	if err != nil {
		return 0, fmt.Errorf("ack outbox: %w", err)
	}
	return acked, nil
}

// AbandonOutbox returns messages to Pending for a later retry. The retry
// counter is bumped, lastError recorded, and retryDelay (when positive)
// defers visibility via due_time_utc.
func (s *Store) AbandonOutbox(ctx context.Context, owner string, ids []string, errMsg string, retryDelay time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()

	updates := map[string]any{
		"status":       models.StatusPending,
		"owner_token":  nil,
		"locked_until": nil,
		"retry_count":  gorm.Expr("retry_count + 1"),
	}
	if errMsg != "" {
		updates["last_error"] = errMsg
	}
	if retryDelay > 0 {
		updates["due_time_utc"] = now.Add(retryDelay)
	}

	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id IN ?", ids).
		Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("abandon outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FailOutbox marks messages terminally Failed and fails any attached join
// members in the same transaction.
func (s *Store) FailOutbox(ctx context.Context, owner string, ids []string, errMsg string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()

	var failed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxMessage{}).
			Where("id IN ?", ids).
			Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
			Updates(map[string]any{
				"status":       models.StatusFailed,
				"owner_token":  nil,
				"locked_until": nil,
				"last_error":   errMsg,
				"processed_at": now,
				"processed_by": owner,
			})
		if res.Error != nil {
			return res.Error
		}
		failed = res.RowsAffected
		if failed == 0 {
			return nil
		}
		return s.advanceJoinMembers(tx, ids, now, true)
	})
	if err != nil {
		return 0, fmt.Errorf("fail outbox: %w", err)
	}
	return failed, nil
}

// ReapExpiredOutbox restores Leased rows whose lock expired back to Pending.
// The retry counter is deliberately untouched: the worker crashed without
// making progress, which is not the handler's failure.
func (s *Store) ReapExpiredOutbox(ctx context.Context) (int64, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("status = ?", models.StatusLeased).
		Where("locked_until IS NOT NULL AND locked_until <= ?", now).
		Updates(map[string]any{
			"status":       models.StatusPending,
			"owner_token":  nil,
			"locked_until": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SweepDispatched deletes Dispatched rows processed before now - retention.
func (s *Store) SweepDispatched(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("status = ?", models.StatusDispatched).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Delete(&models.OutboxMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}
