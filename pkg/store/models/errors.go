package models

import "errors"

// Common errors for the dispatch store operations.
var (
	// Outbox / inbox errors
	ErrMessageNotFound = errors.New("message not found")
	ErrDuplicateKey    = errors.New("message key already exists")
	ErrNotOwner        = errors.New("row is not leased by this owner")

	// Lease errors
	ErrLeaseHeld     = errors.New("lease is held by another owner")
	ErrLeaseLost     = errors.New("lease is no longer held")
	ErrLeaseNotFound = errors.New("lease not found")

	// Fencing errors
	ErrStaleFencingToken = errors.New("fencing token is older than the persisted token")

	// Scheduler errors
	ErrJobNotFound    = errors.New("job not found")
	ErrTimerNotFound  = errors.New("timer not found")
	ErrInvalidCron    = errors.New("invalid cron expression")
	ErrJobDisabled    = errors.New("job is disabled")
	ErrDuplicateJob   = errors.New("job already exists")
	ErrDuplicateTimer = errors.New("timer already exists")

	// Idempotency errors
	ErrKeyInProgress = errors.New("idempotency key is in progress")
	ErrKeyNotFound   = errors.New("idempotency key not found")

	// Join errors
	ErrJoinNotFound  = errors.New("join not found")
	ErrJoinComplete  = errors.New("join barrier already terminated")
	ErrJoinOverflow  = errors.New("join has more members than expected steps")
	ErrMemberExists  = errors.New("message already attached to join")
	ErrStoreNotFound = errors.New("store not found")
)
