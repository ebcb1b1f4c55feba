package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/router"
	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

func newTestSweeper(t *testing.T, opts SweeperOptions) (*Sweeper, *store.Store) {
	t.Helper()
	rt, err := router.New(context.Background(), router.NewStaticDiscovery([]router.StoreInfo{{
		Key: "main",
		Config: store.Config{
			Type:   store.DatabaseTypeSQLite,
			SQLite: store.SQLiteConfig{Path: ":memory:"},
		},
	}}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	s, err := rt.Store("main")
	require.NoError(t, err)
	return NewSweeper(rt, "sweep-test", opts), s
}

func TestSweepAllReapsExpiredLeases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sw, s := newTestSweeper(t, SweeperOptions{})

	id, err := s.EnqueueOutbox(ctx, store.OutboxEnqueue{Topic: "orders.created"})
	require.NoError(t, err)
	msgs, err := s.ClaimOutbox(ctx, "crashed-worker", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(50 * time.Millisecond)
	sw.SweepAll(ctx)

	msg, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Nil(t, msg.OwnerToken)
}

func TestSweepAllEnforcesRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sw, s := newTestSweeper(t, SweeperOptions{Retention: time.Nanosecond})

	id, err := s.EnqueueOutbox(ctx, store.OutboxEnqueue{Topic: "orders.created"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	_, err = s.AckOutbox(ctx, "w", []string{id})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sw.SweepAll(ctx)

	_, err = s.GetOutboxMessage(ctx, id)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestSweepSkipsWhenLeaseHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sw, s := newTestSweeper(t, SweeperOptions{})

	// Another process is mid-sweep on this store.
	_, err := s.AcquireLease(ctx, "outbox:sweep", "other-process", time.Minute)
	require.NoError(t, err)

	id, err := s.EnqueueOutbox(ctx, store.OutboxEnqueue{Topic: "orders.created"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "crashed-worker", 10*time.Millisecond, 10)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	sw.SweepAll(ctx)

	// Nothing was reaped; the expired lease is still on the row.
	msg, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLeased, msg.Status)
}
