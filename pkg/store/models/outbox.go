package models

import "time"

// OutboxMessage is one unit of reliable work enqueued by application code.
//
// Rows are created Pending, claimed into Leased by a dispatcher, and end
// Dispatched or Failed. A Leased row whose lock expired is restored to
// Pending by the reaper. All timestamps are UTC with millisecond resolution.
type OutboxMessage struct {
	ID            string `gorm:"primaryKey;size:36"`
	Topic         string `gorm:"size:255;not null;index"`
	Payload       []byte
	CorrelationID string `gorm:"size:255"`

	// MessageKey, when set, makes Enqueue idempotent: a second insert with
	// the same key is rejected by the unique index.
	MessageKey *string `gorm:"size:255;uniqueIndex"`

	Status    Status    `gorm:"size:16;not null;index:idx_outbox_claim"`
	CreatedAt time.Time `gorm:"not null;index"`

	// DueTimeUTC gates visibility: the row competes for claims only once
	// due. It does not reorder relative to CreatedAt.
	DueTimeUTC *time.Time `gorm:"index"`

	LockedUntil *time.Time
	OwnerToken  *string `gorm:"size:36;index"`

	RetryCount int    `gorm:"not null;default:0"`
	LastError  string `gorm:"type:text"`

	ProcessedAt *time.Time `gorm:"index"`
	ProcessedBy *string    `gorm:"size:36"`
}

// Leased reports whether the row is currently under a live lease.
func (m *OutboxMessage) Leased(now time.Time) bool {
	return m.Status == StatusLeased && m.OwnerToken != nil &&
		m.LockedUntil != nil && m.LockedUntil.After(now)
}
