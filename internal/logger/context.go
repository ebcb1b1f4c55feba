package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds dispatch-scoped logging context. It rides along the
// context.Context handed to handlers so every log line carries the store,
// topic, and owner of the row being processed.
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Store     string    // store key
	Topic     string    // message topic
	Owner     string    // dispatcher owner token
	MessageID string    // row id
	Source    string    // inbox source partition, when relevant
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for one dispatched row.
func NewLogContext(store, owner string) *LogContext {
	return &LogContext{
		Store:     store,
		Owner:     owner,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	dup := *lc
	return &dup
}

// WithTopic returns a copy with the topic and message id set
func (lc *LogContext) WithTopic(topic, messageID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Topic = topic
		clone.MessageID = messageID
	}
	return clone
}

// WithSource returns a copy with the inbox source set
func (lc *LogContext) WithSource(source string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Source = source
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
