// Package scheduler drives timers and cron jobs: one loop per process,
// taking the per-store scheduler lease and materializing due work into the
// outbox under its fencing token.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/lease"
	"github.com/conveyormq/conveyor/pkg/metrics"
	"github.com/conveyormq/conveyor/pkg/router"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// runLeaseName scopes the per-store scheduler lease.
const runLeaseName = "scheduler:run"

// Options tunes the scheduler loop.
type Options struct {
	// BatchSize caps timers/runs/jobs handled per pass. Default 50.
	BatchSize int

	// MaxPollingInterval caps the sleep between passes even when nothing
	// is due. Default 30s.
	MaxPollingInterval time.Duration

	// LeaseTTL bounds one pass. Default 30s.
	LeaseTTL time.Duration

	Clock   clock.Clock
	Metrics *metrics.SchedulerMetrics
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxPollingInterval <= 0 {
		o.MaxPollingInterval = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
}

// Scheduler runs passes across every routed store.
type Scheduler struct {
	router *router.Router
	owner  string
	opts   Options

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler running under the given owner token.
func New(r *router.Router, owner string, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{router: r, owner: owner, opts: opts}
}

// Start launches the loop.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx)
	logger.Info("scheduler started", logger.KeyOwner, s.owner)
}

// Stop cancels the loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		sleep := s.opts.MaxPollingInterval

		for _, entry := range s.router.Snapshot() {
			if ctx.Err() != nil {
				return
			}
			if next := s.passStore(ctx, entry); next != nil {
				if wait := next.Sub(clock.NowUTC(s.opts.Clock)); wait < sleep {
					sleep = wait
				}
			}
		}

		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(sleep):
		}
	}
}

// passStore runs one fenced pass against one store and returns the store's
// next event time as a sleep hint. Losing the lease race is routine and
// returns silently.
func (s *Scheduler) passStore(ctx context.Context, entry *router.Entry) *time.Time {
	mgr := lease.NewManager(entry.Store, s.owner, s.opts.Clock)
	l, err := mgr.Acquire(ctx, runLeaseName, s.opts.LeaseTTL)
	if errors.Is(err, models.ErrLeaseHeld) {
		return nil
	}
	if err != nil {
		logger.WarnCtx(ctx, "scheduler lease acquire failed",
			logger.KeyStore, entry.Key,
			logger.KeyError, err)
		return nil
	}
	defer l.Release(ctx)

	start := time.Now()
	result, err := entry.Store.RunSchedulerPass(ctx, s.owner, l.FencingToken(), s.opts.BatchSize)
	duration := time.Since(start)

	switch {
	case errors.Is(err, models.ErrStaleFencingToken):
		// Another scheduler already ran with a newer grant; ours is dead.
		s.opts.Metrics.RecordStaleToken(entry.Key)
		logger.WarnCtx(ctx, "scheduler pass rejected by fencing token",
			logger.KeyStore, entry.Key,
			logger.KeyFencingToken, l.FencingToken())
		return nil
	case err != nil:
		s.opts.Metrics.RecordPass(entry.Key, "error", duration, 0, 0)
		logger.WarnCtx(ctx, "scheduler pass failed",
			logger.KeyStore, entry.Key,
			logger.KeyError, err)
		return nil
	}

	if lostErr := l.Err(); lostErr != nil {
		// The pass committed under a token that was still the newest, so
		// its effects stand; we only stop claiming further work.
		s.opts.Metrics.RecordLeaseLost(entry.Key)
		logger.WarnCtx(ctx, "scheduler lease lost after pass",
			logger.KeyStore, entry.Key)
		return nil
	}

	s.opts.Metrics.RecordPass(entry.Key, "ok", duration, result.TimersEnqueued, result.RunsEnqueued)
	if result.TimersEnqueued > 0 || result.RunsEnqueued > 0 || result.RunsMaterialized > 0 {
		logger.DebugCtx(ctx, "scheduler pass materialized work",
			logger.KeyStore, entry.Key,
			"timers", result.TimersEnqueued,
			"job_runs", result.RunsEnqueued,
			"runs_materialized", result.RunsMaterialized)
	}

	next, err := entry.Store.NextEventTime(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "next event time lookup failed",
			logger.KeyStore, entry.Key,
			logger.KeyError, err)
		return nil
	}
	return next
}
