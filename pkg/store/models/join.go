package models

import "time"

// Join is a fan-in barrier over outbox messages. Counters are advanced by
// outbox Ack/Fail transactions, guarded so that completed + failed never
// exceeds expected.
type Join struct {
	JoinID   string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"size:255;index"`

	ExpectedSteps  int `gorm:"not null"`
	CompletedSteps int `gorm:"not null;default:0"`
	FailedSteps    int `gorm:"not null;default:0"`

	Status JoinStatus `gorm:"size:16;not null;index"`

	CreatedUTC     time.Time `gorm:"not null"`
	LastUpdatedUTC time.Time `gorm:"not null"`
	Metadata       string    `gorm:"type:text"`
}

// JoinMember attaches one outbox message to a join. Attachment is
// idempotent on (join_id, outbox_message_id).
type JoinMember struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	JoinID          string `gorm:"size:36;not null;uniqueIndex:idx_join_member;index"`
	OutboxMessageID string `gorm:"size:36;not null;uniqueIndex:idx_join_member;index"`
	CompletedAt     *time.Time
	FailedAt        *time.Time
}
