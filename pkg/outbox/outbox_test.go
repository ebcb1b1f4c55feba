package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

func newTestClient(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	s, err := store.Open(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewClient(s, "main", nil), s
}

func TestClientEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, _ := newTestClient(t)

	id, err := c.Enqueue(ctx, Message{Topic: "orders.created", Payload: []byte("a")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := c.Message(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "orders.created", msg.Topic)
	assert.Equal(t, models.StatusPending, msg.Status)
}

func TestClientEnqueueDuplicateKeyResolvesToOriginal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, _ := newTestClient(t)

	first, err := c.Enqueue(ctx, Message{Topic: "orders.created", MessageKey: "order-7", Payload: []byte("a")})
	require.NoError(t, err)

	// The duplicate is collapsed onto the first enqueue, payload included.
	second, err := c.Enqueue(ctx, Message{Topic: "orders.created", MessageKey: "order-7", Payload: []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	msg, err := c.Message(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), msg.Payload)
}

func TestClientEnqueueTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, s := newTestClient(t)

	t.Run("commits with the caller", func(t *testing.T) {
		var id string
		err := s.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			id, err = c.EnqueueTx(tx, Message{Topic: "orders.created"})
			return err
		})
		require.NoError(t, err)

		msg, err := c.Message(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, msg.Status)
	})

	t.Run("join attachment is rejected", func(t *testing.T) {
		_, err := c.EnqueueTx(s.DB(), Message{Topic: "orders.created", JoinID: "j-1"})
		assert.Error(t, err)
	})
}

func TestClientJoinFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, s := newTestClient(t)

	require.NoError(t, c.StartJoin(ctx, "j-1", "tenant-1", 2, `{"order":"7"}`))

	a, err := c.Enqueue(ctx, Message{Topic: "steps.run", JoinID: "j-1"})
	require.NoError(t, err)
	b, err := c.Enqueue(ctx, Message{Topic: "steps.run"})
	require.NoError(t, err)
	require.NoError(t, c.AttachMessage(ctx, "j-1", b))

	join, err := c.Join(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinPending, join.Status)

	// Both steps complete; the barrier settles.
	_, err = s.ClaimOutbox(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	_, err = s.AckOutbox(ctx, "w", []string{a, b})
	require.NoError(t, err)

	join, err = c.Join(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, models.JoinSatisfied, join.Status)
	assert.Equal(t, 2, join.CompletedSteps)
}
