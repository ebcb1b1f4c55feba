package models

import "time"

// Timer is a one-shot scheduled enqueue. When due, the scheduler claims the
// row and materializes an outbox message (topic, payload, correlation id =
// timer id) in the same transaction as the status transition.
type Timer struct {
	ID      string `gorm:"primaryKey;size:36"`
	Topic   string `gorm:"size:255;not null"`
	Payload []byte

	DueTime time.Time `gorm:"not null;index"`

	Status      Status    `gorm:"size:16;not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
	LockedUntil *time.Time
	OwnerToken  *string `gorm:"size:36"`

	RetryCount int    `gorm:"not null;default:0"`
	LastError  string `gorm:"type:text"`

	ProcessedAt *time.Time
}
