package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so dispatch activity
// can be aggregated and queried per store, topic, and owner.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Dispatch identity
	KeyStore   = "store" // store key the row lives in
	KeyTopic   = "topic" // routing key from row to handler
	KeyOwner   = "owner" // dispatcher owner token
	KeyLoop    = "loop"  // dispatcher loop: outbox, inbox, scheduler, sweep
	KeyMessage = "message_id"
	KeySource  = "source" // inbox partition key

	// Lease and fencing
	KeyLease        = "lease"         // lease scope name
	KeyFencingToken = "fencing_token" // monotonic token from the lease row
	KeyLeaseUntil   = "lease_until"

	// Scheduler
	KeyJob      = "job"      // job definition name
	KeyJobRun   = "job_run"  // job run id
	KeyTimer    = "timer"    // timer id
	KeyCron     = "cron"     // cron expression
	KeyDue      = "due_time" // next due time
	KeyJoin     = "join_id"  // join barrier id
	KeyIdemKey  = "idempotency_key"
	KeyTenantID = "tenant_id"

	// Operation metadata
	KeyBatch      = "batch"       // rows claimed in one pass
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // configured retry ceiling
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"
	KeyStatus     = "status" // row status after transition
)

// Field constructors for type safety.

// TraceID returns a slog.Attr for OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Store returns a slog.Attr for the store key.
func Store(name string) slog.Attr {
	return slog.String(KeyStore, name)
}

// Topic returns a slog.Attr for a message topic.
func Topic(t string) slog.Attr {
	return slog.String(KeyTopic, t)
}

// Owner returns a slog.Attr for a dispatcher owner token.
func Owner(token string) slog.Attr {
	return slog.String(KeyOwner, token)
}

// Loop returns a slog.Attr for the dispatcher loop name.
func Loop(name string) slog.Attr {
	return slog.String(KeyLoop, name)
}

// MessageID returns a slog.Attr for a message id.
func MessageID(id string) slog.Attr {
	return slog.String(KeyMessage, id)
}

// Source returns a slog.Attr for an inbox source partition.
func Source(s string) slog.Attr {
	return slog.String(KeySource, s)
}

// Lease returns a slog.Attr for a lease scope name.
func Lease(name string) slog.Attr {
	return slog.String(KeyLease, name)
}

// FencingToken returns a slog.Attr for a lease fencing token.
func FencingToken(token int64) slog.Attr {
	return slog.Int64(KeyFencingToken, token)
}

// Job returns a slog.Attr for a job definition name.
func Job(name string) slog.Attr {
	return slog.String(KeyJob, name)
}

// JobRun returns a slog.Attr for a job run id.
func JobRun(id string) slog.Attr {
	return slog.String(KeyJobRun, id)
}

// Timer returns a slog.Attr for a timer id.
func Timer(id string) slog.Attr {
	return slog.String(KeyTimer, id)
}

// Cron returns a slog.Attr for a cron expression.
func Cron(expr string) slog.Attr {
	return slog.String(KeyCron, expr)
}

// Join returns a slog.Attr for a join barrier id.
func Join(id string) slog.Attr {
	return slog.String(KeyJoin, id)
}

// IdemKey returns a slog.Attr for an idempotency key.
func IdemKey(key string) slog.Attr {
	return slog.String(KeyIdemKey, key)
}

// Batch returns a slog.Attr for a claimed batch size.
func Batch(n int) slog.Attr {
	return slog.Int(KeyBatch, n)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for the configured retry ceiling.
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Status returns a slog.Attr for a row status.
func Status(s string) slog.Attr {
	return slog.String(KeyStatus, s)
}
