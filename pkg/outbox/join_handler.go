package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conveyormq/conveyor/internal/logger"
	"github.com/conveyormq/conveyor/pkg/dispatcher"
	"github.com/conveyormq/conveyor/pkg/events"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// TopicJoinWait is the topic the server binary serves join-wait messages on.
const TopicJoinWait = "conveyor.join.wait"

// JoinVerdict is a caller's reading of a terminal barrier.
type JoinVerdict string

const (
	JoinSucceeded JoinVerdict = "succeeded"
	JoinFailed    JoinVerdict = "failed"
)

// JoinPolicy maps terminal counters to a verdict. It is consulted only once
// every expected step is accounted for.
type JoinPolicy func(completed, failed, expected int) JoinVerdict

// StrictJoinPolicy fails the barrier on any failed member. This is the
// default.
func StrictJoinPolicy(completed, failed, expected int) JoinVerdict {
	if failed > 0 {
		return JoinFailed
	}
	return JoinSucceeded
}

// JoinWaitRequest is the payload of a join-wait message.
type JoinWaitRequest struct {
	JoinID            string `json:"joinId"`
	ContinuationTopic string `json:"continuationTopic"`
}

// JoinResult is the payload enqueued on the continuation topic once the
// barrier terminates.
type JoinResult struct {
	JoinID    string      `json:"joinId"`
	Verdict   JoinVerdict `json:"verdict"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Expected  int         `json:"expected"`
	Metadata  string      `json:"metadata,omitempty"`
}

// RoutedJoinWaitHandler is JoinWaitHandler for multi-store dispatch: the
// client is bound to whichever store delivered the message, so the barrier
// lookup and the continuation enqueue stay in that store.
func RoutedJoinWaitHandler(emitter events.Emitter, policy JoinPolicy) dispatcher.Handler {
	return func(ctx context.Context, d dispatcher.Delivery) error {
		return JoinWaitHandler(NewClient(d.Store, d.StoreKey, emitter), policy)(ctx, d)
	}
}

// JoinWaitHandler returns a topic handler that parks on a join barrier: it
// retries (via the normal abandon path) while the barrier is pending and
// enqueues the continuation exactly once when it terminates. The
// continuation's message key is derived from the join id, so a redelivered
// join-wait message cannot double-fire the continuation.
func JoinWaitHandler(c *Client, policy JoinPolicy) dispatcher.Handler {
	if policy == nil {
		policy = StrictJoinPolicy
	}
	return func(ctx context.Context, d dispatcher.Delivery) error {
		var req JoinWaitRequest
		if err := json.Unmarshal(d.Payload, &req); err != nil {
			return dispatcher.Permanent(fmt.Errorf("decode join-wait payload: %w", err))
		}
		if req.JoinID == "" || req.ContinuationTopic == "" {
			return dispatcher.Permanent(fmt.Errorf("join-wait requires joinId and continuationTopic"))
		}

		join, err := c.Join(ctx, req.JoinID)
		if err != nil {
			return fmt.Errorf("load join %s: %w", req.JoinID, err)
		}
		if join.Status == models.JoinPending {
			return fmt.Errorf("join %s still pending (%d/%d)",
				req.JoinID, join.CompletedSteps+join.FailedSteps, join.ExpectedSteps)
		}

		verdict := policy(join.CompletedSteps, join.FailedSteps, join.ExpectedSteps)
		payload, err := json.Marshal(JoinResult{
			JoinID:    join.JoinID,
			Verdict:   verdict,
			Completed: join.CompletedSteps,
			Failed:    join.FailedSteps,
			Expected:  join.ExpectedSteps,
			Metadata:  join.Metadata,
		})
		if err != nil {
			return dispatcher.Permanent(fmt.Errorf("encode join result: %w", err))
		}

		if _, err := c.Enqueue(ctx, Message{
			Topic:         req.ContinuationTopic,
			Payload:       payload,
			CorrelationID: join.JoinID,
			MessageKey:    "join-continuation:" + join.JoinID,
		}); err != nil {
			return fmt.Errorf("enqueue continuation for join %s: %w", join.JoinID, err)
		}

		eventType := events.TypeJoinSatisfied
		if verdict == JoinFailed {
			eventType = events.TypeJoinFailed
		}
		c.emitter.Emit(ctx, events.Event{
			Type: eventType, Store: c.storeKey, Topic: req.ContinuationTopic,
			Detail: map[string]any{
				"join_id":   join.JoinID,
				"completed": join.CompletedSteps,
				"failed":    join.FailedSteps,
			},
		})
		logger.InfoCtx(ctx, "join barrier terminated, continuation enqueued",
			logger.KeyJoin, join.JoinID,
			logger.KeyTopic, req.ContinuationTopic,
			logger.KeyStatus, string(join.Status))
		return nil
	}
}
