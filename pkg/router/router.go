// Package router maintains the set of dispatch stores a process works
// against and picks which one each operation goes to.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// ControlPlaneKey is the reserved key of the control-plane store. It is an
// ordinary store in every respect; the reserved name only keeps application
// keys from colliding with it.
const ControlPlaneKey = "__control_plane__"

// StoreInfo describes one discoverable store.
type StoreInfo struct {
	Key    string
	Config store.Config
}

// Discovery enumerates the stores the router should route to.
type Discovery interface {
	Discover(ctx context.Context) ([]StoreInfo, error)
}

// StaticDiscovery serves a fixed list, typically straight from config.
type StaticDiscovery struct {
	stores []StoreInfo
}

// NewStaticDiscovery returns a discovery over a fixed store list.
func NewStaticDiscovery(stores []StoreInfo) *StaticDiscovery {
	return &StaticDiscovery{stores: stores}
}

// Discover implements Discovery.
func (d *StaticDiscovery) Discover(context.Context) ([]StoreInfo, error) {
	out := make([]StoreInfo, len(d.stores))
	copy(out, d.stores)
	return out, nil
}

// Entry is one routed store.
type Entry struct {
	Key   string
	Store *store.Store
}

// Router resolves keys to open stores. The entry set is a copy-on-write
// snapshot: readers get a stable slice, refresh swaps the whole map.
type Router struct {
	discovery Discovery
	clk       clock.Clock

	mu      sync.RWMutex
	entries map[string]*Entry
	ordered []*Entry

	rr atomic.Uint64
}

// New builds a router and performs the initial discovery.
func New(ctx context.Context, discovery Discovery, clk clock.Clock) (*Router, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &Router{
		discovery: discovery,
		clk:       clk,
		entries:   map[string]*Entry{},
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-runs discovery, opening stores that appeared and closing
// stores that disappeared. Existing connections are reused.
func (r *Router) Refresh(ctx context.Context) error {
	infos, err := r.discovery.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover stores: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Entry, len(infos))
	for _, info := range infos {
		if existing, ok := r.entries[info.Key]; ok {
			next[info.Key] = existing
			continue
		}
		cfg := info.Config
		s, err := store.Open(&cfg, store.WithClock(r.clk))
		if err != nil {
			return fmt.Errorf("open store %s: %w", info.Key, err)
		}
		next[info.Key] = &Entry{Key: info.Key, Store: s}
		logger.Info("store joined routing set", logger.KeyStore, info.Key)
	}

	for key, entry := range r.entries {
		if _, ok := next[key]; ok {
			continue
		}
		if err := entry.Store.Close(); err != nil {
			logger.Warn("closing removed store failed",
				logger.KeyStore, key,
				logger.KeyError, err)
		}
		logger.Info("store left routing set", logger.KeyStore, key)
	}

	ordered := make([]*Entry, 0, len(next))
	for _, e := range next {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	r.entries = next
	r.ordered = ordered
	return nil
}

// RunRefreshLoop refreshes discovery every interval until ctx is done.
func (r *Router) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(interval):
		}
		if err := r.Refresh(ctx); err != nil {
			logger.Warn("discovery refresh failed", logger.KeyError, err)
		}
	}
}

// Store resolves one key.
func (r *Router) Store(key string) (*store.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStoreNotFound, key)
	}
	return entry.Store, nil
}

// Single returns the only routed store. It errors when the routing set is
// empty or ambiguous, so single-store callers fail loudly if a second
// store appears.
func (r *Router) Single() (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch len(r.ordered) {
	case 0:
		return nil, fmt.Errorf("%w: routing set is empty", models.ErrStoreNotFound)
	case 1:
		return r.ordered[0], nil
	default:
		return nil, fmt.Errorf("routing set has %d stores, key required", len(r.ordered))
	}
}

// Snapshot returns the current entries in stable key order. The slice is
// the router's own copy-on-write snapshot; callers must not mutate it.
func (r *Router) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// Next returns entries in round-robin order across calls, giving every
// store a fair share of enqueue traffic regardless of caller pattern.
func (r *Router) Next() (*Entry, error) {
	r.mu.RLock()
	ordered := r.ordered
	r.mu.RUnlock()
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: routing set is empty", models.ErrStoreNotFound)
	}
	n := r.rr.Add(1) - 1
	return ordered[n%uint64(len(ordered))], nil
}

// Close closes every routed store.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, entry := range r.entries {
		if err := entry.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store %s: %w", key, err)
		}
	}
	r.entries = map[string]*Entry{}
	r.ordered = nil
	return firstErr
}

// Healthcheck pings every routed store and returns the first failure.
func (r *Router) Healthcheck(ctx context.Context) error {
	for _, entry := range r.Snapshot() {
		if err := entry.Store.Healthcheck(ctx); err != nil {
			return fmt.Errorf("store %s: %w", entry.Key, err)
		}
	}
	return nil
}
