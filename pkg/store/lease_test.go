package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

func TestAcquireLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first grant creates the row with token 1", func(t *testing.T) {
		s, _ := newTestStore(t)

		token, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), token)
	})

	t.Run("live lease rejects another owner", func(t *testing.T) {
		s, _ := newTestStore(t)

		_, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
		require.NoError(t, err)

		_, err = s.AcquireLease(ctx, "scheduler:run", "node-b", time.Minute)
		assert.ErrorIs(t, err, models.ErrLeaseHeld)
	})

	t.Run("self re-acquire succeeds with a newer token", func(t *testing.T) {
		s, _ := newTestStore(t)

		first, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
		require.NoError(t, err)
		second, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("expired lease is taken over with a newer token", func(t *testing.T) {
		s, clk := newTestStore(t)

		first, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)

		second, err := s.AcquireLease(ctx, "scheduler:run", "node-b", time.Minute)
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("name and owner required", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.AcquireLease(ctx, "", "node-a", time.Minute)
		assert.Error(t, err)
	})
}

func TestRenewLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("renew keeps the fencing token", func(t *testing.T) {
		s, clk := newTestStore(t)

		token, err := s.AcquireLease(ctx, "outbox:sweep", "node-a", time.Minute)
		require.NoError(t, err)

		clk.Advance(30 * time.Second)

		renewed, err := s.RenewLease(ctx, "outbox:sweep", "node-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, token, renewed)

		// The renewal pushed expiry past the original minute.
		clk.Advance(45 * time.Second)
		_, err = s.AcquireLease(ctx, "outbox:sweep", "node-b", time.Minute)
		assert.ErrorIs(t, err, models.ErrLeaseHeld)
	})

	t.Run("renew after expiry reports lease lost", func(t *testing.T) {
		s, clk := newTestStore(t)

		_, err := s.AcquireLease(ctx, "outbox:sweep", "node-a", time.Minute)
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)

		_, err = s.RenewLease(ctx, "outbox:sweep", "node-a", time.Minute)
		assert.ErrorIs(t, err, models.ErrLeaseLost)
	})

	t.Run("renew by a non-holder reports lease lost", func(t *testing.T) {
		s, _ := newTestStore(t)

		_, err := s.AcquireLease(ctx, "outbox:sweep", "node-a", time.Minute)
		require.NoError(t, err)

		_, err = s.RenewLease(ctx, "outbox:sweep", "node-b", time.Minute)
		assert.ErrorIs(t, err, models.ErrLeaseLost)
	})
}

func TestReleaseLease(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
	require.NoError(t, err)

	released, err := s.ReleaseLease(ctx, "scheduler:run", "node-a")
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing again is a quiet no-op.
	released, err = s.ReleaseLease(ctx, "scheduler:run", "node-a")
	require.NoError(t, err)
	assert.False(t, released)

	// The lease is immediately grantable.
	_, err = s.AcquireLease(ctx, "scheduler:run", "node-b", time.Minute)
	assert.NoError(t, err)
}

func TestFencingTokenMonotonicity(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	var last int64
	owners := []string{"node-a", "node-b", "node-a", "node-c"}
	for _, owner := range owners {
		token, err := s.AcquireLease(ctx, "scheduler:run", owner, time.Minute)
		require.NoError(t, err)
		assert.Greater(t, token, last)
		last = token
		clk.Advance(2 * time.Minute)
	}
}

func TestGetLease(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLease(ctx, "unknown")
	assert.ErrorIs(t, err, models.ErrLeaseNotFound)

	_, err = s.AcquireLease(ctx, "scheduler:run", "node-a", time.Minute)
	require.NoError(t, err)

	row, err := s.GetLease(ctx, "scheduler:run")
	require.NoError(t, err)
	require.NotNil(t, row.Owner)
	assert.Equal(t, "node-a", *row.Owner)
	assert.Equal(t, int64(1), row.Version)
}
