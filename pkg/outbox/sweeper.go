package outbox

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

// sweepLeaseName scopes the maintenance lease so only one process per store
// runs reap and retention at a time.
const sweepLeaseName = "outbox:sweep"

// SweeperOptions tunes the maintenance loop.
type SweeperOptions struct {
	// Interval between sweeps. Default 1h.
	Interval time.Duration

	// Retention keeps terminal rows visible for audit before deletion.
	// Default 168h.
	Retention time.Duration

	// LeaseTTL bounds one sweep. Default 5m.
	LeaseTTL time.Duration

	Clock   clock.Clock
	Metrics *metrics.DispatchMetrics
}

func (o *SweeperOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 168 * time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
}

// Sweeper periodically rescues expired leases and enforces retention on
// every routed store.
type Sweeper struct {
	router *router.Router
	owner  string
	opts   SweeperOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds a sweeper running under the given owner token.
func NewSweeper(r *router.Router, owner string, opts SweeperOptions) *Sweeper {
	opts.applyDefaults()
	return &Sweeper{router: r, owner: owner, opts: opts}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-s.opts.Clock.After(s.opts.Interval):
			}
			s.SweepAll(loopCtx)
		}
	}()
}

// Stop cancels the loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// SweepAll runs one maintenance round over every routed store. Exported so
// operators can trigger it out of cycle.
func (s *Sweeper) SweepAll(ctx context.Context) {
	for _, entry := range s.router.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		s.sweepStore(ctx, entry)
	}
}

func (s *Sweeper) sweepStore(ctx context.Context, entry *router.Entry) {
	mgr := lease.NewManager(entry.Store, s.owner, s.opts.Clock)
	l, err := mgr.Acquire(ctx, sweepLeaseName, s.opts.LeaseTTL)
	if errors.Is(err, models.ErrLeaseHeld) {
		return
	}
	if err != nil {
		logger.WarnCtx(ctx, "sweep lease acquire failed",
			logger.KeyStore, entry.Key,
			logger.KeyError, err)
		return
	}
	defer l.Release(ctx)

	if n, err := entry.Store.ReapExpiredOutbox(ctx); err != nil {
		logger.WarnCtx(ctx, "outbox reap failed", logger.KeyStore, entry.Key, logger.KeyError, err)
	} else if n > 0 {
		s.opts.Metrics.RecordReaped(entry.Key, "outbox", n)
		logger.InfoCtx(ctx, "expired outbox leases reaped",
			logger.KeyStore, entry.Key, "rows", n)
	}

	if n, err := entry.Store.ReapExpiredInbox(ctx); err != nil {
		logger.WarnCtx(ctx, "inbox reap failed", logger.KeyStore, entry.Key, logger.KeyError, err)
	} else if n > 0 {
		s.opts.Metrics.RecordReaped(entry.Key, "inbox", n)
	}

	if n, err := entry.Store.SweepDispatched(ctx, s.opts.Retention); err != nil {
		logger.WarnCtx(ctx, "outbox retention sweep failed", logger.KeyStore, entry.Key, logger.KeyError, err)
	} else if n > 0 {
		s.opts.Metrics.RecordSwept(entry.Key, "outbox", n)
	}

	if n, err := entry.Store.SweepProcessedInbox(ctx, s.opts.Retention); err != nil {
		logger.WarnCtx(ctx, "inbox retention sweep failed", logger.KeyStore, entry.Key, logger.KeyError, err)
	} else if n > 0 {
		s.opts.Metrics.RecordSwept(entry.Key, "inbox", n)
	}

	if n, err := entry.Store.SweepIdempotency(ctx, s.opts.Retention); err != nil {
		logger.WarnCtx(ctx, "idempotency sweep failed", logger.KeyStore, entry.Key, logger.KeyError, err)
	} else if n > 0 {
		s.opts.Metrics.RecordSwept(entry.Key, "idempotency", n)
	}
}
