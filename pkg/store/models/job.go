package models

import "time"

// JobDefinition is a recurring cron-driven job. The scheduler materializes
// one JobRun per due occurrence and advances NextDueTime to the next
// occurrence after now. Missed occurrences are not back-filled.
type JobDefinition struct {
	ID      string `gorm:"primaryKey;size:36"`
	JobName string `gorm:"size:255;not null;uniqueIndex"`
	Topic   string `gorm:"size:255;not null"`

	// CronSchedule accepts the standard 5-field form and the 6-field form
	// with a leading seconds field, selected by field count. All schedules
	// evaluate in UTC.
	CronSchedule string `gorm:"size:255;not null"`

	Payload []byte

	// No column default here: gorm would drop an explicit false on Create
	// and let the database default win.
	IsEnabled bool `gorm:"not null"`

	NextDueTime   time.Time `gorm:"not null;index"`
	LastRunTime   *time.Time
	LastRunStatus string `gorm:"size:32"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// JobRun is one materialization of a due job. It moves through the same
// pending/leased/processed lifecycle as a timer.
type JobRun struct {
	ID    string `gorm:"primaryKey;size:36"`
	JobID string `gorm:"size:36;not null;index"`

	ScheduledTime time.Time `gorm:"not null;index"`

	Status      Status `gorm:"size:16;not null;index"`
	LockedUntil *time.Time
	OwnerToken  *string `gorm:"size:36"`

	StartTime *time.Time
	EndTime   *time.Time
	Output    string `gorm:"type:text"`
	LastError string `gorm:"type:text"`

	RetryCount int       `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
}

// SchedulerState is the singleton fencing record for a store's scheduler.
// CurrentFencingToken only moves up; a pass presenting an older token is
// rejected before any state advances.
type SchedulerState struct {
	ID                  int64 `gorm:"primaryKey"`
	CurrentFencingToken int64 `gorm:"not null;default:0"`
	LastRunAt           time.Time
}
