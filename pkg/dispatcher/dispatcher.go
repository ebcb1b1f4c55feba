// Package dispatcher runs the poll/claim/handle loops that drain outbox
// messages and inbox records across every routed store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/conveyormq/conveyor/internal/backoff"
	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/events"
	"github.com/conveyormq/conveyor/pkg/executor"
	"github.com/conveyormq/conveyor/pkg/lease"
	"github.com/conveyormq/conveyor/pkg/metrics"
	"github.com/conveyormq/conveyor/pkg/router"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// Per-store scope leases: one dispatcher claims from a store per tick, the
// rest skip it. Row leases keep processing safe either way; the scope lease
// stops a fleet from hammering every store on every poll.
const (
	outboxScopeLease = "dispatch:outbox"
	inboxScopeLease  = "dispatch:inbox"
)

// Options tunes the dispatcher loops. Zero values take the defaults below.
type Options struct {
	// BatchSize is the maximum rows per claim. Default 50.
	BatchSize int

	// LeaseFor is the claim lease duration. Default 30s.
	LeaseFor time.Duration

	// MaxAttempts is the transient-failure budget per message before it is
	// reclassified as permanent. Default 5.
	MaxAttempts int

	// PollInterval is the idle sleep between polls that found nothing.
	// Default 1s.
	PollInterval time.Duration

	// HandlerConcurrency bounds concurrently executing handlers across all
	// stores. Default NumCPU.
	HandlerConcurrency int64

	// MaxHandlerExtension caps how long the lease renewer covers a slow
	// handler before its context is cancelled. Default 10m.
	MaxHandlerExtension time.Duration

	// Owner overrides the generated owner token. Tests only.
	Owner string

	Clock   clock.Clock
	Metrics *metrics.DispatchMetrics
	Emitter events.Emitter
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.LeaseFor <= 0 {
		o.LeaseFor = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HandlerConcurrency <= 0 {
		o.HandlerConcurrency = int64(runtime.NumCPU())
	}
	if o.MaxHandlerExtension <= 0 {
		o.MaxHandlerExtension = 10 * time.Minute
	}
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Emitter == nil {
		o.Emitter = events.NopEmitter{}
	}
}

// Dispatcher drains outbox and inbox work from every routed store with one
// owner token and a shared concurrency budget.
type Dispatcher struct {
	router   *router.Router
	registry *Registry
	opts     Options
	sem      *semaphore.Weighted

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a dispatcher. Handlers must be registered before Start.
func New(r *router.Router, registry *Registry, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		router:   r,
		registry: registry,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.HandlerConcurrency),
	}
}

// Owner returns the dispatcher's owner token.
func (d *Dispatcher) Owner() string {
	return d.opts.Owner
}

// Start launches the outbox and inbox loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.runLoop(loopCtx, "outbox", d.pollOutbox)
	go d.runLoop(loopCtx, "inbox", d.pollInbox)

	logger.Info("dispatcher started",
		logger.KeyOwner, d.opts.Owner,
		"batch_size", d.opts.BatchSize,
		"handler_concurrency", d.opts.HandlerConcurrency)
	return nil
}

// Stop cancels the loops and waits up to timeout for in-flight handlers.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("dispatcher stopped", logger.KeyOwner, d.opts.Owner)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher stop timed out after %s", timeout)
	}
}

// runLoop polls every routed store each tick. Stores are visited in
// snapshot order every round, so a busy store cannot starve the others.
func (d *Dispatcher) runLoop(ctx context.Context, loop string, poll func(ctx context.Context, entry *router.Entry) int) {
	defer d.wg.Done()
	for {
		claimed := 0
		for _, entry := range d.router.Snapshot() {
			if ctx.Err() != nil {
				return
			}
			claimed += poll(ctx, entry)
		}

		if claimed > 0 {
			continue
		}
		for _, entry := range d.router.Snapshot() {
			d.opts.Metrics.RecordIdlePoll(entry.Key, loop)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.opts.Clock.After(d.opts.PollInterval):
		}
	}
}

// acquireScope takes the per-store dispatch lease guarding one claim pass.
// A held lease means another dispatcher owns this store's tick; skipping is
// routine, not an error.
func (d *Dispatcher) acquireScope(ctx context.Context, entry *router.Entry, scope string) (*lease.Lease, bool) {
	mgr := lease.NewManager(entry.Store, d.opts.Owner, d.opts.Clock)
	l, err := mgr.Acquire(ctx, scope, d.opts.LeaseFor)
	if err != nil {
		if !errors.Is(err, models.ErrLeaseHeld) && ctx.Err() == nil {
			logger.WarnCtx(ctx, "scope lease acquire failed",
				logger.KeyStore, entry.Key,
				logger.KeyLease, scope,
				logger.KeyError, err)
		}
		return nil, false
	}
	return l, true
}

func (d *Dispatcher) pollOutbox(ctx context.Context, entry *router.Entry) int {
	l, ok := d.acquireScope(ctx, entry, outboxScopeLease)
	if !ok {
		return 0
	}
	defer l.Release(ctx)

	msgs, err := entry.Store.ClaimOutbox(ctx, d.opts.Owner, d.opts.LeaseFor, d.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnCtx(ctx, "outbox claim failed",
				logger.KeyStore, entry.Key,
				logger.KeyError, err)
		}
		return 0
	}
	d.opts.Metrics.RecordClaim(entry.Key, "outbox", len(msgs))

	for _, msg := range msgs {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return len(msgs)
		}
		d.wg.Add(1)
		go d.handleOutbox(ctx, entry, msg)
	}
	return len(msgs)
}

func (d *Dispatcher) handleOutbox(ctx context.Context, entry *router.Entry, msg *models.OutboxMessage) {
	defer d.wg.Done()
	defer d.sem.Release(1)

	handler, ok := d.registry.Handler(msg.Topic)
	if !ok {
		// No handler here. Leave the lease to expire so a process that does
		// have one picks the message up without burning an attempt.
		logger.DebugCtx(ctx, "no handler for topic, leaving to lease expiry",
			logger.KeyStore, entry.Key,
			logger.KeyTopic, msg.Topic,
			logger.KeyMessage, msg.ID)
		return
	}

	d.opts.Metrics.HandlerStarted(entry.Key)
	defer d.opts.Metrics.HandlerFinished(entry.Key)

	delivery := Delivery{
		StoreKey:      entry.Key,
		MessageID:     msg.ID,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		RetryCount:    msg.RetryCount,
		CreatedAt:     msg.CreatedAt,
		Store:         entry.Store,
	}
	if msg.MessageKey != nil {
		delivery.MessageKey = *msg.MessageKey
	}

	start := time.Now()
	err := d.invoke(ctx, entry, "outbox", []string{msg.ID}, func(hctx context.Context) error {
		return handler(hctx, delivery)
	})
	duration := time.Since(start)

	lc := logger.NewLogContext(entry.Key, d.opts.Owner).WithTopic(msg.Topic, msg.ID)
	logCtx := logger.WithContext(ctx, lc)

	switch {
	case err == nil:
		n, ackErr := entry.Store.AckOutbox(ctx, d.opts.Owner, []string{msg.ID})
		if ackErr != nil {
			logger.ErrorCtx(logCtx, "ack failed", logger.KeyError, ackErr)
			return
		}
		if n == 0 {
			logger.WarnCtx(logCtx, "lease lost before ack, message will be redelivered")
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, msg.Topic, metrics.OutcomeAcked, duration)
		d.opts.Emitter.Emit(ctx, events.Event{
			Type: events.TypeDispatched, Store: entry.Key, Topic: msg.Topic, MessageID: msg.ID,
		})

	case IsPermanent(err) || msg.RetryCount+1 >= d.opts.MaxAttempts:
		if _, failErr := entry.Store.FailOutbox(ctx, d.opts.Owner, []string{msg.ID}, err.Error()); failErr != nil {
			logger.ErrorCtx(logCtx, "fail transition failed", logger.KeyError, failErr)
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, msg.Topic, metrics.OutcomeFailed, duration)
		d.opts.Emitter.Emit(ctx, events.Event{
			Type: events.TypeFailed, Store: entry.Key, Topic: msg.Topic, MessageID: msg.ID,
			Detail: map[string]any{"error": err.Error()},
		})
		logger.WarnCtx(logCtx, "message failed permanently",
			logger.KeyAttempt, msg.RetryCount+1,
			logger.KeyError, err)

	default:
		delay := backoff.ForAttempt(msg.RetryCount)
		if _, abErr := entry.Store.AbandonOutbox(ctx, d.opts.Owner, []string{msg.ID}, err.Error(), delay); abErr != nil {
			logger.ErrorCtx(logCtx, "abandon failed", logger.KeyError, abErr)
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, msg.Topic, metrics.OutcomeAbandoned, duration)
		d.opts.Emitter.Emit(ctx, events.Event{
			Type: events.TypeAbandoned, Store: entry.Key, Topic: msg.Topic, MessageID: msg.ID,
			Detail: map[string]any{"error": err.Error(), "retry_in": delay.String()},
		})
		logger.DebugCtx(logCtx, "message abandoned for retry",
			logger.KeyAttempt, msg.RetryCount+1,
			"retry_in", delay,
			logger.KeyError, err)
	}
}

func (d *Dispatcher) pollInbox(ctx context.Context, entry *router.Entry) int {
	l, ok := d.acquireScope(ctx, entry, inboxScopeLease)
	if !ok {
		return 0
	}
	defer l.Release(ctx)

	recs, err := entry.Store.ClaimInbox(ctx, d.opts.Owner, d.opts.LeaseFor, d.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnCtx(ctx, "inbox claim failed",
				logger.KeyStore, entry.Key,
				logger.KeyError, err)
		}
		return 0
	}
	d.opts.Metrics.RecordClaim(entry.Key, "inbox", len(recs))

	for _, rec := range recs {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return len(recs)
		}
		d.wg.Add(1)
		go d.handleInbox(ctx, entry, rec)
	}
	return len(recs)
}

func (d *Dispatcher) handleInbox(ctx context.Context, entry *router.Entry, rec *models.InboxRecord) {
	defer d.wg.Done()
	defer d.sem.Release(1)

	handler, ok := d.registry.SourceHandler(rec.Source)
	if !ok {
		logger.DebugCtx(ctx, "no handler for source, leaving to lease expiry",
			logger.KeyStore, entry.Key,
			logger.KeySource, rec.Source,
			logger.KeyMessage, rec.ID)
		return
	}

	d.opts.Metrics.HandlerStarted(entry.Key)
	defer d.opts.Metrics.HandlerFinished(entry.Key)

	delivery := InboxDelivery{
		StoreKey:   entry.Key,
		RecordID:   rec.ID,
		Source:     rec.Source,
		MessageKey: rec.MessageKey,
		Payload:    rec.Payload,
		RetryCount: rec.RetryCount,
		CreatedAt:  rec.CreatedAt,
		Store:      entry.Store,
	}

	start := time.Now()
	err := d.invoke(ctx, entry, "inbox", []string{rec.ID}, func(hctx context.Context) error {
		return handler(hctx, delivery)
	})
	duration := time.Since(start)

	lc := logger.NewLogContext(entry.Key, d.opts.Owner).WithSource(rec.Source)
	lc.MessageID = rec.ID
	logCtx := logger.WithContext(ctx, lc)

	switch {
	case err == nil:
		n, ackErr := entry.Store.AckInbox(ctx, d.opts.Owner, []string{rec.ID})
		if ackErr != nil {
			logger.ErrorCtx(logCtx, "inbox ack failed", logger.KeyError, ackErr)
			return
		}
		if n == 0 {
			logger.WarnCtx(logCtx, "lease lost before inbox ack, record will be redelivered")
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, rec.Source, metrics.OutcomeAcked, duration)

	case IsPermanent(err) || rec.RetryCount+1 >= d.opts.MaxAttempts:
		if _, failErr := entry.Store.FailInbox(ctx, d.opts.Owner, []string{rec.ID}, err.Error()); failErr != nil {
			logger.ErrorCtx(logCtx, "inbox fail transition failed", logger.KeyError, failErr)
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, rec.Source, metrics.OutcomeFailed, duration)
		logger.WarnCtx(logCtx, "inbox record failed permanently",
			logger.KeyAttempt, rec.RetryCount+1,
			logger.KeyError, err)

	default:
		delay := backoff.ForAttempt(rec.RetryCount)
		if _, abErr := entry.Store.AbandonInbox(ctx, d.opts.Owner, []string{rec.ID}, err.Error(), delay); abErr != nil {
			logger.ErrorCtx(logCtx, "inbox abandon failed", logger.KeyError, abErr)
			return
		}
		d.opts.Metrics.RecordHandled(entry.Key, rec.Source, metrics.OutcomeAbandoned, duration)
	}
}

// invoke runs fn under a traced, renewed context. A renewer extends the
// row lease at half-lease intervals so slow handlers are not reaped out
// from under their own feet, up to MaxHandlerExtension, after which the
// handler context is cancelled and the row abandoned by the usual path.
func (d *Dispatcher) invoke(ctx context.Context, entry *router.Entry, queue string, ids []string, fn func(ctx context.Context) error) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracer := otel.Tracer("conveyor/dispatcher")
	hctx, span := tracer.Start(hctx, "dispatch."+queue,
		trace.WithAttributes(
			attribute.String("conveyor.store", entry.Key),
			attribute.String("conveyor.queue", queue),
		))
	defer span.End()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		deadline := time.Now().Add(d.opts.MaxHandlerExtension)
		for {
			select {
			case <-hctx.Done():
				return
			case <-d.opts.Clock.After(d.opts.LeaseFor / 2):
			}
			if time.Now().After(deadline) {
				logger.Warn("handler exceeded max lease extension, cancelling",
					logger.KeyStore, entry.Key,
					"queue", queue)
				cancel()
				return
			}
			var err error
			if queue == "inbox" {
				_, err = entry.Store.ExtendInboxLease(hctx, d.opts.Owner, ids, d.opts.LeaseFor)
			} else {
				_, err = entry.Store.ExtendOutboxLease(hctx, d.opts.Owner, ids, d.opts.LeaseFor)
			}
			if err != nil && hctx.Err() == nil {
				logger.Warn("lease extension failed",
					logger.KeyStore, entry.Key,
					logger.KeyError, err)
			}
		}
	}()

	err := fn(hctx)
	cancel()
	<-renewDone
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// IsPermanent reports whether a handler error was marked Permanent.
func IsPermanent(err error) bool {
	return executor.IsPermanent(err)
}
