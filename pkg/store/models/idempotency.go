package models

import "time"

// IdempotencyEntry records the outcome of a key-scoped side-effect so
// duplicate executions can be suppressed. An in_progress entry acts as a
// lock that expires at LockedUntil, permitting retry after a crash while
// protecting against concurrent double-execution.
type IdempotencyEntry struct {
	Key   string           `gorm:"primaryKey;size:255"`
	State IdempotencyState `gorm:"size:16;not null"`

	Owner       *string `gorm:"size:36"`
	LockedUntil *time.Time

	Outcome      []byte
	ErrorCode    string `gorm:"size:64"`
	ErrorMessage string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
