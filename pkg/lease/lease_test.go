package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// fakeStore is an in-memory lease table with injectable renew failures.
type fakeStore struct {
	mu        sync.Mutex
	holder    map[string]string
	token     map[string]int64
	renewErr  error
	renewLeft int // renewals still failing with renewErr; -1 fails all
	renewals  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{holder: map[string]string{}, token: map[string]int64{}}
}

func (f *fakeStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holder[name]; ok && h != owner {
		return 0, models.ErrLeaseHeld
	}
	f.holder[name] = owner
	f.token[name]++
	return f.token[name], nil
}

func (f *fakeStore) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	if f.renewLeft != 0 {
		if f.renewLeft > 0 {
			f.renewLeft--
		}
		return 0, f.renewErr
	}
	if f.holder[name] != owner {
		return 0, models.ErrLeaseLost
	}
	return f.token[name], nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, name, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder[name] != owner {
		return false, nil
	}
	delete(f.holder, name)
	return true, nil
}

func (f *fakeStore) failRenewals(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErr = err
	f.renewLeft = -1
}

func (f *fakeStore) failNextRenewals(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErr = err
	f.renewLeft = n
}

func (f *fakeStore) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals
}

func TestManagerAcquireRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := newFakeStore()
	a := NewManager(fs, "owner-a", nil)
	b := NewManager(fs, "owner-b", nil)

	l, err := a.Acquire(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", l.Name())
	assert.Equal(t, int64(1), l.FencingToken())
	assert.NoError(t, l.Err())

	_, err = b.Acquire(ctx, "scheduler", time.Minute)
	assert.ErrorIs(t, err, models.ErrLeaseHeld)

	l.Release(ctx)
	l.Release(ctx) // idempotent

	// The name is free again and the token moved on.
	l2, err := b.Acquire(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	defer l2.Release(ctx)
	assert.Equal(t, int64(2), l2.FencingToken())
}

func TestLeaseLostOnRenewFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := newFakeStore()
	m := NewManager(fs, "owner-a", nil)

	// Short TTL so the renewer ticks quickly on the wall clock.
	l, err := m.Acquire(ctx, "scheduler", 30*time.Millisecond)
	require.NoError(t, err)
	defer l.Release(ctx)

	lost := make(chan struct{})
	l.OnLost(func() { close(lost) })

	fs.failRenewals(errors.New("connection refused"))

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("lease loss was never signalled")
	}
	assert.ErrorIs(t, l.Err(), models.ErrLeaseLost)
}

func TestTransientRenewFailureIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := newFakeStore()
	m := NewManager(fs, "owner-a", nil)

	// TTL generous enough that one failed renew leaves plenty of grant.
	l, err := m.Acquire(ctx, "scheduler", 900*time.Millisecond)
	require.NoError(t, err)
	defer l.Release(ctx)

	fs.failNextRenewals(1, errors.New("connection refused"))

	// The renewer shrugs off the blip and keeps the lease alive.
	require.Eventually(t, func() bool { return fs.renewCount() >= 3 }, 10*time.Second, 10*time.Millisecond)
	assert.NoError(t, l.Err())
}

func TestOnLostAfterLossFiresImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fs := newFakeStore()
	m := NewManager(fs, "owner-a", nil)

	l, err := m.Acquire(ctx, "scheduler", 30*time.Millisecond)
	require.NoError(t, err)
	defer l.Release(ctx)

	fs.failRenewals(models.ErrLeaseLost)
	require.Eventually(t, func() bool { return l.Err() != nil }, 5*time.Second, 5*time.Millisecond)

	fired := false
	l.OnLost(func() { fired = true })
	assert.True(t, fired)
}
