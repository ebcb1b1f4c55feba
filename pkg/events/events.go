// Package events publishes lifecycle notifications from the dispatch
// pipeline to pluggable sinks.
package events

import (
	"context"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeEnqueued       Type = "message.enqueued"
	TypeClaimed        Type = "message.claimed"
	TypeDispatched     Type = "message.dispatched"
	TypeAbandoned      Type = "message.abandoned"
	TypeFailed         Type = "message.failed"
	TypeReaped         Type = "message.reaped"
	TypeInboxAccepted  Type = "inbox.accepted"
	TypeInboxDuplicate Type = "inbox.duplicate"
	TypeJoinSatisfied  Type = "join.satisfied"
	TypeJoinFailed     Type = "join.failed"
	TypeLeaseAcquired  Type = "lease.acquired"
	TypeLeaseLost      Type = "lease.lost"
	TypeSchedulerPass  Type = "scheduler.pass"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type
	Store     string
	Topic     string
	MessageID string
	Source    string
	At        time.Time

	// Detail carries event-specific fields (error text, counts, token).
	Detail map[string]any
}

// Emitter receives events. Emit must not block the dispatch path; slow
// sinks should buffer or drop.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}
