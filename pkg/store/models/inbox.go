package models

import "time"

// InboxRecord is an externally received message held for at-most-once,
// per-source-ordered processing.
//
// The (source, message_key) unique index is the dedup primitive: accepting
// the same key twice is a silent no-op. Records with the same source are
// serialized; a record must reach a terminal state (or lose its lease)
// before the next record of that source is claimed.
type InboxRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Source     string `gorm:"size:255;not null;uniqueIndex:idx_inbox_source_key;index"`
	MessageKey string `gorm:"size:255;not null;uniqueIndex:idx_inbox_source_key"`
	Payload    []byte

	Status    Status    `gorm:"size:16;not null;index"`
	CreatedAt time.Time `gorm:"not null;index"`

	DueTimeUTC  *time.Time `gorm:"index"`
	LockedUntil *time.Time
	OwnerToken  *string `gorm:"size:36"`

	RetryCount int    `gorm:"not null;default:0"`
	LastError  string `gorm:"type:text"`

	ProcessedAt *time.Time
	ProcessedBy *string `gorm:"size:36"`
}
