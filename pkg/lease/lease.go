// Package lease provides fenced, TTL-bounded mutual exclusion on top of the
// store's lease rows.
//
// A Lease is only ever advisory between cooperating processes; the fencing
// token is what makes it safe. Holders must present the token to every
// fenced write so a stale holder that lost its lease without noticing is
// rejected by the store, not trusted by the wall clock.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// Store is the persistence surface the manager needs.
type Store interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error)
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error)
	ReleaseLease(ctx context.Context, name, owner string) (bool, error)
}

// Manager acquires leases on behalf of one owner token.
type Manager struct {
	store Store
	owner string
	clk   clock.Clock
}

// NewManager returns a manager. A nil clk falls back to the wall clock.
func NewManager(store Store, owner string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{store: store, owner: owner, clk: clk}
}

// Owner returns the owner token leases are acquired under.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire grants the named lease and starts a background renewer that
// refreshes it every ttl/3. Returns models.ErrLeaseHeld when another owner
// holds it; callers treat that as "not my turn", not an error condition.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token, err := m.store.AcquireLease(ctx, name, m.owner, ttl)
	if err != nil {
		return nil, err
	}

	l := &Lease{
		manager: m,
		name:    name,
		ttl:     ttl,
		token:   token,
		done:    make(chan struct{}),
	}
	go l.renewLoop()

	logger.Debug("lease acquired",
		logger.KeyLease, name,
		logger.KeyOwner, m.owner,
		logger.KeyFencingToken, token)
	return l, nil
}

// Lease is a live grant. It stays valid until Release is called, the renewer
// fails, or the TTL elapses without renewal.
type Lease struct {
	manager *Manager
	name    string
	ttl     time.Duration
	token   int64

	mu     sync.Mutex
	lost   bool
	onLost []func()
	done   chan struct{}
	closed bool
}

// Name returns the lease name.
func (l *Lease) Name() string {
	return l.name
}

// FencingToken returns the token granted with this lease. It never changes
// for the lifetime of the grant.
func (l *Lease) FencingToken() int64 {
	return l.token
}

// Err returns models.ErrLeaseLost once the lease is no longer held, nil
// while it is. Fenced sections call this immediately before committing.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return models.ErrLeaseLost
	}
	return nil
}

// OnLost registers a callback fired once when the lease is lost. A callback
// registered after loss fires immediately.
func (l *Lease) OnLost(fn func()) {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		fn()
		return
	}
	l.onLost = append(l.onLost, fn)
	l.mu.Unlock()
}

// Release stops the renewer and gives the lease up. Safe to call more than
// once and after loss.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	alreadyLost := l.lost
	l.mu.Unlock()

	if alreadyLost {
		return
	}
	released, err := l.manager.store.ReleaseLease(ctx, l.name, l.manager.owner)
	if err != nil {
		logger.Warn("lease release failed",
			logger.KeyLease, l.name,
			logger.KeyError, err)
		return
	}
	if released {
		logger.Debug("lease released", logger.KeyLease, l.name, logger.KeyOwner, l.manager.owner)
	}
}

func (l *Lease) renewLoop() {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	clk := l.manager.clk
	expiry := clk.Now().Add(l.ttl)

	for {
		select {
		case <-l.done:
			return
		case <-clk.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
		_, err := l.manager.store.RenewLease(ctx, l.name, l.manager.owner, l.ttl)
		cancel()
		if err == nil {
			expiry = clk.Now().Add(l.ttl)
			continue
		}

		// Only the store saying "no longer yours" is a definitive loss. A
		// transient failure is retried while the last confirmed grant still
		// has time on it.
		if !errors.Is(err, models.ErrLeaseLost) && clk.Now().Before(expiry) {
			logger.Warn("lease renew failed, retrying",
				logger.KeyLease, l.name,
				logger.KeyOwner, l.manager.owner,
				logger.KeyError, err)
			continue
		}

		logger.Warn("lease lost",
			logger.KeyLease, l.name,
			logger.KeyOwner, l.manager.owner,
			logger.KeyError, err)
		l.markLost()
		return
	}
}

func (l *Lease) markLost() {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return
	}
	l.lost = true
	callbacks := l.onLost
	l.onLost = nil
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
