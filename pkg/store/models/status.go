package models

// Status is the lifecycle state of a claimable row (outbox message, inbox
// record, timer, job run).
type Status string

const (
	// StatusPending marks a row that is visible to claimers once due.
	StatusPending Status = "pending"

	// StatusLeased marks a row exclusively owned by a dispatcher. A row is
	// leased iff owner_token is set and locked_until is in the future.
	StatusLeased Status = "leased"

	// StatusDispatched is the terminal success state of an outbox message.
	StatusDispatched Status = "dispatched"

	// StatusProcessed is the terminal success state of inbox records, timers
	// and job runs.
	StatusProcessed Status = "processed"

	// StatusFailed is the terminal failure state.
	StatusFailed Status = "failed"
)

// JoinStatus is the lifecycle state of a fan-in barrier.
type JoinStatus string

const (
	JoinPending   JoinStatus = "pending"
	JoinSatisfied JoinStatus = "satisfied"
	JoinFailed    JoinStatus = "failed"
)

// IdempotencyState is the lifecycle state of an idempotency entry.
type IdempotencyState string

const (
	IdemInProgress IdempotencyState = "in_progress"
	IdemCompleted  IdempotencyState = "completed"
	IdemFailed     IdempotencyState = "failed"
)
