package events

import (
	"context"

	"github.com/conveyormq/conveyor/internal/logger"
)

// LogEmitter writes every event as a structured debug log line.
type LogEmitter struct{}

// NewLogEmitter returns an emitter backed by the process logger.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ctx context.Context, ev Event) {
	args := []any{
		"event", string(ev.Type),
		logger.KeyStore, ev.Store,
	}
	if ev.Topic != "" {
		args = append(args, logger.KeyTopic, ev.Topic)
	}
	if ev.MessageID != "" {
		args = append(args, logger.KeyMessage, ev.MessageID)
	}
	if ev.Source != "" {
		args = append(args, logger.KeySource, ev.Source)
	}
	for k, v := range ev.Detail {
		args = append(args, k, v)
	}
	logger.DebugCtx(ctx, "dispatch event", args...)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Event) {}
