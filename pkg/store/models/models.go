package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&OutboxMessage{},
		&InboxRecord{},
		&Timer{},
		&JobDefinition{},
		&JobRun{},
		&SchedulerState{},
		&LeaseRow{},
		&IdempotencyEntry{},
		&Join{},
		&JoinMember{},
	}
}
