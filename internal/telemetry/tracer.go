package telemetry

// Attribute key constants for dispatch spans. Keeping these in one place
// avoids typo'd attribute names fragmenting traces across components.
const (
	AttrStore   = "conveyor.store"
	AttrTopic   = "conveyor.topic"
	AttrOwner   = "conveyor.owner"
	AttrQueue   = "conveyor.queue"
	AttrMessage = "conveyor.message_id"
	AttrSource  = "conveyor.source"
	AttrJoin    = "conveyor.join_id"
	AttrAttempt = "conveyor.attempt"
	AttrOutcome = "conveyor.outcome"
	AttrToken   = "conveyor.fencing_token"
)

// Span name constants.
const (
	SpanClaim     = "dispatch.claim"
	SpanHandle    = "dispatch.handle"
	SpanAck       = "dispatch.ack"
	SpanAbandon   = "dispatch.abandon"
	SpanFail      = "dispatch.fail"
	SpanEnqueue   = "outbox.enqueue"
	SpanAccept    = "inbox.accept"
	SpanScheduler = "scheduler.pass"
	SpanSweep     = "outbox.sweep"
)
