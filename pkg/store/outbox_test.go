package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

func TestEnqueueOutbox(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("returns id and creates pending row", func(t *testing.T) {
		id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "orders.created", Payload: []byte(`{"id":1}`)})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, msg.Status)
		assert.Equal(t, "orders.created", msg.Topic)
		assert.Equal(t, 0, msg.RetryCount)
		assert.Nil(t, msg.OwnerToken)
	})

	t.Run("empty topic rejected", func(t *testing.T) {
		_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{})
		assert.Error(t, err)
	})

	t.Run("duplicate message key rejected", func(t *testing.T) {
		_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "orders.created", MessageKey: "order-42"})
		require.NoError(t, err)

		_, err = s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "orders.created", MessageKey: "order-42"})
		assert.ErrorIs(t, err, models.ErrDuplicateKey)
	})

	t.Run("unknown message not found", func(t *testing.T) {
		_, err := s.GetOutboxMessage(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrMessageNotFound)
	})
}

func TestEnqueueOutboxTx(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("commits with the surrounding transaction", func(t *testing.T) {
		var id string
		err := s.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			id, err = s.EnqueueOutboxTx(tx, OutboxEnqueue{Topic: "orders.created"})
			return err
		})
		require.NoError(t, err)

		_, err = s.GetOutboxMessage(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("rolls back with the surrounding transaction", func(t *testing.T) {
		var id string
		err := s.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			id, err = s.EnqueueOutboxTx(tx, OutboxEnqueue{Topic: "orders.created"})
			require.NoError(t, err)
			return fmt.Errorf("domain write failed")
		})
		require.Error(t, err)

		_, err = s.GetOutboxMessage(ctx, id)
		assert.ErrorIs(t, err, models.ErrMessageNotFound)
	})
}

func TestClaimOutbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("claims in creation order", func(t *testing.T) {
		s, clk := newTestStore(t)

		first, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
		require.NoError(t, err)
		clk.Advance(10 * time.Millisecond)
		second, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
		require.NoError(t, err)

		claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, first, claimed[0].ID)
		assert.Equal(t, second, claimed[1].ID)
		assert.Equal(t, models.StatusLeased, claimed[0].Status)
		require.NotNil(t, claimed[0].OwnerToken)
		assert.Equal(t, "worker-1", *claimed[0].OwnerToken)
	})

	t.Run("respects batch limit", func(t *testing.T) {
		s, _ := newTestStore(t)
		for i := 0; i < 5; i++ {
			_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
			require.NoError(t, err)
		}

		claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 3)
		require.NoError(t, err)
		assert.Len(t, claimed, 3)
	})

	t.Run("leased rows are invisible to other claimers", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
		require.NoError(t, err)

		claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		other, err := s.ClaimOutbox(ctx, "worker-2", time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("expired lease needs a reap before reclaim", func(t *testing.T) {
		s, clk := newTestStore(t)
		_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
		require.NoError(t, err)

		_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)

		// Claim only sees Pending rows; an expired lease alone is not enough.
		claimed, err := s.ClaimOutbox(ctx, "worker-2", time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		n, err := s.ReapExpiredOutbox(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		claimed, err = s.ClaimOutbox(ctx, "worker-2", time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "worker-2", *claimed[0].OwnerToken)
	})

	t.Run("due time gates visibility", func(t *testing.T) {
		s, clk := newTestStore(t)
		due := clk.Now().Add(time.Hour)
		_, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t", DueTime: &due})
		require.NoError(t, err)

		claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		clk.Advance(time.Hour)

		claimed, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})
}

func TestAckOutbox(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)

	t.Run("wrong owner acks nothing", func(t *testing.T) {
		n, err := s.AckOutbox(ctx, "worker-2", []string{id})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("owner ack marks dispatched", func(t *testing.T) {
		n, err := s.AckOutbox(ctx, "worker-1", []string{id})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		msg, err := s.GetOutboxMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDispatched, msg.Status)
		assert.Nil(t, msg.OwnerToken)
		require.NotNil(t, msg.ProcessedAt)
		require.NotNil(t, msg.ProcessedBy)
		assert.Equal(t, "worker-1", *msg.ProcessedBy)
	})

	t.Run("double ack is a no-op", func(t *testing.T) {
		n, err := s.AckOutbox(ctx, "worker-1", []string{id})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestAbandonOutbox(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)

	n, err := s.AbandonOutbox(ctx, "worker-1", []string{id}, "boom", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, "boom", msg.LastError)
	require.NotNil(t, msg.DueTimeUTC)

	// Not yet visible: the retry delay defers the next claim.
	claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clk.Advance(time.Minute)
	claimed, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestFailOutbox(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)

	n, err := s.FailOutbox(ctx, "worker-1", []string{id}, "payload poison")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, msg.Status)
	assert.Equal(t, "payload poison", msg.LastError)

	// Terminal rows never come back.
	claimed, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestExtendOutboxLease(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)

	n, err := s.ExtendOutboxLease(ctx, "worker-1", []string{id}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Original lease would have expired; the extension keeps the row owned.
	clk.Advance(2 * time.Minute)
	claimed, err := s.ClaimOutbox(ctx, "worker-2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	n, err = s.ExtendOutboxLease(ctx, "worker-2", []string{id}, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReapExpiredOutbox(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)

	// Live lease: nothing to reap.
	n, err := s.ReapExpiredOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Minute)

	n, err = s.ReapExpiredOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := s.GetOutboxMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Nil(t, msg.OwnerToken)
	// A crashed worker is not a handler failure.
	assert.Equal(t, 0, msg.RetryCount)
}

func TestSweepDispatched(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "t"})
	require.NoError(t, err)
	_, err = s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
	require.NoError(t, err)
	_, err = s.AckOutbox(ctx, "worker-1", []string{id})
	require.NoError(t, err)

	// Inside retention: kept.
	n, err := s.SweepDispatched(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(25 * time.Hour)

	n, err = s.SweepDispatched(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetOutboxMessage(ctx, id)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
}
