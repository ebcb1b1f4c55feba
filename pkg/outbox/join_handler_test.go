package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/dispatcher"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

func joinWaitDelivery(t *testing.T, joinID, continuation string) dispatcher.Delivery {
	t.Helper()
	payload, err := json.Marshal(JoinWaitRequest{JoinID: joinID, ContinuationTopic: continuation})
	require.NoError(t, err)
	return dispatcher.Delivery{Topic: TopicJoinWait, MessageID: "m-wait", Payload: payload}
}

func TestJoinWaitHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, s := newTestClient(t)
	h := JoinWaitHandler(c, nil)

	require.NoError(t, c.StartJoin(ctx, "j-1", "tenant-1", 1, "meta"))
	stepID, err := c.Enqueue(ctx, Message{Topic: "steps.run", JoinID: "j-1"})
	require.NoError(t, err)

	// Pending barrier: a plain error, so the message retries with backoff.
	err = h(ctx, joinWaitDelivery(t, "j-1", "orders.settled"))
	require.Error(t, err)
	assert.False(t, dispatcher.IsPermanent(err))

	// The step completes and the barrier settles.
	_, err = s.ClaimOutbox(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	_, err = s.AckOutbox(ctx, "w", []string{stepID})
	require.NoError(t, err)

	require.NoError(t, h(ctx, joinWaitDelivery(t, "j-1", "orders.settled")))

	// A redelivery does not double-fire the continuation.
	require.NoError(t, h(ctx, joinWaitDelivery(t, "j-1", "orders.settled")))

	var continuations []models.OutboxMessage
	require.NoError(t, s.DB().Where("topic = ?", "orders.settled").Find(&continuations).Error)
	require.Len(t, continuations, 1)

	var result JoinResult
	require.NoError(t, json.Unmarshal(continuations[0].Payload, &result))
	assert.Equal(t, "j-1", result.JoinID)
	assert.Equal(t, JoinSucceeded, result.Verdict)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, "meta", result.Metadata)
	assert.Equal(t, "j-1", continuations[0].CorrelationID)
}

func TestJoinWaitHandlerFailedBarrier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, s := newTestClient(t)
	h := JoinWaitHandler(c, nil)

	require.NoError(t, c.StartJoin(ctx, "j-2", "tenant-1", 1, ""))
	stepID, err := c.Enqueue(ctx, Message{Topic: "steps.run", JoinID: "j-2"})
	require.NoError(t, err)

	_, err = s.ClaimOutbox(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	_, err = s.FailOutbox(ctx, "w", []string{stepID}, "step exploded")
	require.NoError(t, err)

	require.NoError(t, h(ctx, joinWaitDelivery(t, "j-2", "orders.settled")))

	var msg models.OutboxMessage
	require.NoError(t, s.DB().Where("topic = ?", "orders.settled").First(&msg).Error)
	var result JoinResult
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	assert.Equal(t, JoinFailed, result.Verdict)
	assert.Equal(t, 1, result.Failed)
}

func TestJoinWaitHandlerBadPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, _ := newTestClient(t)
	h := JoinWaitHandler(c, nil)

	t.Run("malformed json", func(t *testing.T) {
		err := h(ctx, dispatcher.Delivery{Topic: TopicJoinWait, Payload: []byte("{")})
		require.Error(t, err)
		assert.True(t, dispatcher.IsPermanent(err))
	})

	t.Run("missing fields", func(t *testing.T) {
		err := h(ctx, joinWaitDelivery(t, "", ""))
		require.Error(t, err)
		assert.True(t, dispatcher.IsPermanent(err))
	})

	t.Run("unknown join retries", func(t *testing.T) {
		err := h(ctx, joinWaitDelivery(t, "nope", "orders.settled"))
		require.Error(t, err)
		assert.False(t, dispatcher.IsPermanent(err))
	})
}

func TestStrictJoinPolicy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, JoinSucceeded, StrictJoinPolicy(3, 0, 3))
	assert.Equal(t, JoinFailed, StrictJoinPolicy(2, 1, 3))
}
