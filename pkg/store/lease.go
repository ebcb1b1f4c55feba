package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// AcquireLease grants the named lease to owner for ttl and returns the
// fencing token. The grant succeeds when the lease is free, expired, or
// already held by the same owner (a self re-acquire). Every grant bumps the
// row version, so the returned token is strictly greater than any token
// handed to a previous holder. Returns models.ErrLeaseHeld when another
// owner holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error) {
	if name == "" || owner == "" {
		return 0, fmt.Errorf("lease name and owner are required")
	}
	now := s.now()
	until := now.Add(ttl)

	var token int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.LeaseRow{}).
			Where("name = ?", name).
			Where("owner IS NULL OR lease_until_utc IS NULL OR lease_until_utc <= ? OR owner = ?", now, owner).
			Updates(map[string]any{
				"owner":            owner,
				"lease_until_utc":  until,
				"last_granted_utc": now,
				"version":          gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			row := &models.LeaseRow{
				Name:           name,
				Owner:          &owner,
				LeaseUntilUTC:  &until,
				LastGrantedUTC: &now,
				Version:        1,
			}
			ins := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).Create(row)
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected == 0 {
				return models.ErrLeaseHeld
			}
			token = row.Version
			return nil
		}

		var row models.LeaseRow
		if err := tx.Where("name = ?", name).First(&row).Error; err != nil {
			return err
		}
		if !row.HeldBy(owner, now) {
			return models.ErrLeaseHeld
		}
		token = row.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return token, nil
}

// RenewLease extends a live lease held by owner without changing the fencing
// token. Returns models.ErrLeaseLost when the lease expired or moved to
// another owner; the caller must stop fenced work immediately.
func (s *Store) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error) {
	now := s.now()

	var token int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.LeaseRow{}).
			Where("name = ? AND owner = ?", name, owner).
			Where("lease_until_utc > ?", now).
			Update("lease_until_utc", now.Add(ttl))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrLeaseLost
		}
		var row models.LeaseRow
		if err := tx.Where("name = ?", name).First(&row).Error; err != nil {
			return err
		}
		token = row.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return token, nil
}

// ReleaseLease voluntarily gives up a lease. Releasing a lease no longer
// held is a no-op returning false, so shutdown paths can release
// unconditionally.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.LeaseRow{}).
		Where("name = ? AND owner = ?", name, owner).
		Updates(map[string]any{
			"owner":           nil,
			"lease_until_utc": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("release lease: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetLease returns the lease row, or models.ErrLeaseNotFound when the name
// has never been granted.
func (s *Store) GetLease(ctx context.Context, name string) (*models.LeaseRow, error) {
	var row models.LeaseRow
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrLeaseNotFound)
	}
	return &row, nil
}
