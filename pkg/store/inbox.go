package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// AcceptInbox records an externally received message for processing.
//
// Dedup is keyed on (source, messageKey): the first accept wins and returns
// true; every later accept of the same key is a silent no-op returning false
// with the stored record. The payload of a duplicate is discarded.
func (s *Store) AcceptInbox(ctx context.Context, source, messageKey string, payload []byte) (bool, *models.InboxRecord, error) {
	if source == "" || messageKey == "" {
		return false, nil, fmt.Errorf("source and message key are required")
	}

	rec := &models.InboxRecord{
		ID:         uuid.NewString(),
		Source:     source,
		MessageKey: messageKey,
		Payload:    payload,
		Status:     models.StatusPending,
		CreatedAt:  s.now(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "message_key"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, nil, fmt.Errorf("accept inbox: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, rec, nil
	}

	var existing models.InboxRecord
	err := s.db.WithContext(ctx).
		Where("source = ? AND message_key = ?", source, messageKey).
		First(&existing).Error
	if err != nil {
		return false, nil, convertNotFoundError(err, models.ErrMessageNotFound)
	}
	return false, &existing, nil
}

// GetInboxRecord returns one record by id.
func (s *Store) GetInboxRecord(ctx context.Context, id string) (*models.InboxRecord, error) {
	var rec models.InboxRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrMessageNotFound)
	}
	return &rec, nil
}

// ClaimInbox leases up to batch due Pending records for owner while
// preserving per-source order: a record is claimable only when no earlier
// record of the same source is still non-terminal. An earlier Leased sibling
// (live or crashed-but-not-yet-reaped) therefore blocks its source, and two
// records of one source can never be in flight together.
func (s *Store) ClaimInbox(ctx context.Context, owner string, leaseFor time.Duration, batch int) ([]*models.InboxRecord, error) {
	now := s.now()
	until := now.Add(leaseFor)

	var claimed []*models.InboxRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.InboxRecord{}).
			Where("status = ?", models.StatusPending).
			Where("locked_until IS NULL OR locked_until <= ?", now).
			Where("due_time_utc IS NULL OR due_time_utc <= ?", now).
			Where(`NOT EXISTS (
				SELECT 1 FROM inbox_records prior
				WHERE prior.source = inbox_records.source
				  AND prior.status IN ?
				  AND (prior.created_at < inbox_records.created_at
				       OR (prior.created_at = inbox_records.created_at AND prior.id < inbox_records.id))
			)`, []models.Status{models.StatusPending, models.StatusLeased}).
			Order("created_at ASC, id ASC").
			Limit(batch)
		if s.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []*models.InboxRecord
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, 0, len(candidates))
		for _, r := range candidates {
			ids = append(ids, r.ID)
		}

		res := tx.Model(&models.InboxRecord{}).
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
		return nil, fmt.Errorf("claim inbox: %w", err)
	}
	return claimed, nil
}

// ExtendInboxLease pushes locked_until forward for rows still leased by owner.
func (s *Store) ExtendInboxLease(ctx context.Context, owner string, ids []string, leaseFor time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.InboxRecord{}).
		Where("id IN ?", ids).
		Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
		Update("locked_until", now.Add(leaseFor))
	return res.RowsAffected, res.Error
}

// AckInbox marks records Processed, unblocking the next record per source.
func (s *Store) AckInbox(ctx context.Context, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.InboxRecord{}).
		Where("id IN ?", ids).
		Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
		Updates(map[string]any{
			"status":       models.StatusProcessed,
			"owner_token":  nil,
			"locked_until": nil,
			"processed_at": now,
			"processed_by": owner,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("ack inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AbandonInbox returns records to Pending for retry, bumping the retry
// counter and optionally deferring the next attempt.
func (s *Store) AbandonInbox(ctx context.Context, owner string, ids []string, errMsg string, retryDelay time.Duration) (int64, error) {
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

	res := s.db.WithContext(ctx).Model(&models.InboxRecord{}).
		Where("id IN ?", ids).
		Where("status = ? AND owner_token = ?", models.StatusLeased, owner).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("abandon inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FailInbox marks records terminally Failed. A failed record no longer
// blocks its source: ordering is enforced only among non-terminal records.
func (s *Store) FailInbox(ctx context.Context, owner string, ids []string, errMsg string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.InboxRecord{}).
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
		return 0, fmt.Errorf("fail inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReapExpiredInbox restores Leased records with expired locks to Pending
// without touching the retry counter.
func (s *Store) ReapExpiredInbox(ctx context.Context) (int64, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.InboxRecord{}).
		Where("status = ?", models.StatusLeased).
		Where("locked_until IS NOT NULL AND locked_until <= ?", now).
		Updates(map[string]any{
			"status":       models.StatusPending,
			"owner_token":  nil,
			"locked_until": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SweepProcessedInbox deletes Processed records older than the retention
// window. Sweeping a key re-opens it for dedup, so retention should exceed
// the longest plausible duplicate-delivery window.
func (s *Store) SweepProcessedInbox(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("status = ?", models.StatusProcessed).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Delete(&models.InboxRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}
