package models

import "time"

// LeaseRow is a named, time-bounded mutual-exclusion record. Version is a
// monotonically increasing row version bumped on every grant; it is exposed
// to holders as the fencing token.
type LeaseRow struct {
	Name           string  `gorm:"primaryKey;size:255"`
	Owner          *string `gorm:"size:36;index"`
	LeaseUntilUTC  *time.Time
	LastGrantedUTC *time.Time
	Version        int64 `gorm:"not null;default:0"`
}

// HeldBy reports whether the lease is live and owned by owner at now.
func (l *LeaseRow) HeldBy(owner string, now time.Time) bool {
	return l.Owner != nil && *l.Owner == owner &&
		l.LeaseUntilUTC != nil && l.LeaseUntilUTC.After(now)
}
