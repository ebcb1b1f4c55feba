package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/store/models"
)

// enqueueJoinStep enqueues one outbox message and attaches it to the join.
func enqueueJoinStep(t *testing.T, s *Store, joinID, topic string) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: topic})
	require.NoError(t, err)
	require.NoError(t, s.AttachJoinMessage(ctx, joinID, id))
	return id
}

func TestStartJoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates pending barrier", func(t *testing.T) {
		s, _ := newTestStore(t)

		require.NoError(t, s.StartJoin(ctx, "batch-1", "tenant-a", 3, `{"kind":"import"}`))

		join, err := s.GetJoin(ctx, "batch-1")
		require.NoError(t, err)
		assert.Equal(t, models.JoinPending, join.Status)
		assert.Equal(t, 3, join.ExpectedSteps)
		assert.Equal(t, "tenant-a", join.TenantID)
	})

	t.Run("zero steps is satisfied at creation", func(t *testing.T) {
		s, _ := newTestStore(t)

		require.NoError(t, s.StartJoin(ctx, "batch-0", "", 0, ""))

		join, err := s.GetJoin(ctx, "batch-0")
		require.NoError(t, err)
		assert.Equal(t, models.JoinSatisfied, join.Status)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s, _ := newTestStore(t)

		require.NoError(t, s.StartJoin(ctx, "batch-1", "", 1, ""))
		assert.ErrorIs(t, s.StartJoin(ctx, "batch-1", "", 1, ""), models.ErrDuplicateKey)
	})

	t.Run("negative steps rejected", func(t *testing.T) {
		s, _ := newTestStore(t)
		assert.Error(t, s.StartJoin(ctx, "batch-neg", "", -1, ""))
	})
}

func TestAttachJoinMessage(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartJoin(ctx, "batch-1", "", 2, ""))

	id, err := s.EnqueueOutbox(ctx, OutboxEnqueue{Topic: "steps"})
	require.NoError(t, err)

	t.Run("unknown join rejected", func(t *testing.T) {
		assert.ErrorIs(t, s.AttachJoinMessage(ctx, "nope", id), models.ErrJoinNotFound)
	})

	t.Run("attach and re-attach", func(t *testing.T) {
		require.NoError(t, s.AttachJoinMessage(ctx, "batch-1", id))
		assert.ErrorIs(t, s.AttachJoinMessage(ctx, "batch-1", id), models.ErrMemberExists)

		members, err := s.ListJoinMembers(ctx, "batch-1")
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Nil(t, members[0].CompletedAt)
	})
}

func TestJoinAdvancement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("all acks satisfy the barrier", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.StartJoin(ctx, "batch-1", "", 2, ""))
		a := enqueueJoinStep(t, s, "batch-1", "steps")
		b := enqueueJoinStep(t, s, "batch-1", "steps")

		_, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)

		_, err = s.AckOutbox(ctx, "worker-1", []string{a})
		require.NoError(t, err)

		join, err := s.GetJoin(ctx, "batch-1")
		require.NoError(t, err)
		assert.Equal(t, models.JoinPending, join.Status)
		assert.Equal(t, 1, join.CompletedSteps)

		_, err = s.AckOutbox(ctx, "worker-1", []string{b})
		require.NoError(t, err)

		join, err = s.GetJoin(ctx, "batch-1")
		require.NoError(t, err)
		assert.Equal(t, models.JoinSatisfied, join.Status)
		assert.Equal(t, 2, join.CompletedSteps)
		assert.Equal(t, 0, join.FailedSteps)
	})

	t.Run("any failed step fails the barrier once terminal", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.StartJoin(ctx, "batch-2", "", 2, ""))
		a := enqueueJoinStep(t, s, "batch-2", "steps")
		b := enqueueJoinStep(t, s, "batch-2", "steps")

		_, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)

		_, err = s.FailOutbox(ctx, "worker-1", []string{a}, "boom")
		require.NoError(t, err)

		// One failed, one outstanding: still pending.
		join, err := s.GetJoin(ctx, "batch-2")
		require.NoError(t, err)
		assert.Equal(t, models.JoinPending, join.Status)

		_, err = s.AckOutbox(ctx, "worker-1", []string{b})
		require.NoError(t, err)

		join, err = s.GetJoin(ctx, "batch-2")
		require.NoError(t, err)
		assert.Equal(t, models.JoinFailed, join.Status)
		assert.Equal(t, 1, join.CompletedSteps)
		assert.Equal(t, 1, join.FailedSteps)
	})

	t.Run("member settles at most once", func(t *testing.T) {
		s, clk := newTestStore(t)
		require.NoError(t, s.StartJoin(ctx, "batch-3", "", 2, ""))
		a := enqueueJoinStep(t, s, "batch-3", "steps")

		_, err := s.ClaimOutbox(ctx, "worker-1", time.Minute, 10)
		require.NoError(t, err)
		_, err = s.AckOutbox(ctx, "worker-1", []string{a})
		require.NoError(t, err)

		// Force the message back through a second terminal transition; the
		// member timestamp guard must keep the counter at 1.
		clk.Advance(time.Millisecond)
		require.NoError(t, s.DB().Model(&models.OutboxMessage{}).
			Where("id = ?", a).
			Updates(map[string]any{
				"status":       models.StatusLeased,
				"owner_token":  "worker-1",
				"locked_until": clk.Now().Add(time.Minute),
			}).Error)
		_, err = s.AckOutbox(ctx, "worker-1", []string{a})
		require.NoError(t, err)

		join, err := s.GetJoin(ctx, "batch-3")
		require.NoError(t, err)
		assert.Equal(t, 1, join.CompletedSteps)
		assert.Equal(t, models.JoinPending, join.Status)
	})
}
