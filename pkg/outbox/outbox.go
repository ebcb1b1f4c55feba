// Package outbox is the producer-facing API over a dispatch store: enqueue
// messages (optionally inside the caller's transaction), start fan-in
// joins, and run the background maintenance sweeper.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/conveyormq/conveyor/pkg/events"
	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// Message is one enqueue request.
type Message struct {
	Topic         string
	Payload       []byte
	CorrelationID string

	// MessageKey makes the enqueue idempotent when set; a second enqueue
	// of the same key returns the original message id.
	MessageKey string

	// DueTime defers visibility.
	DueTime *time.Time

	// JoinID attaches the message to a fan-in barrier.
	JoinID string
}

// Client enqueues into one store.
type Client struct {
	store    *store.Store
	storeKey string
	emitter  events.Emitter
}

// NewClient binds a client to a store. A nil emitter disables events.
func NewClient(s *store.Store, storeKey string, emitter events.Emitter) *Client {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Client{store: s, storeKey: storeKey, emitter: emitter}
}

// Enqueue inserts one message and returns its id. With a MessageKey, a
// duplicate enqueue is collapsed onto the first and its id returned.
func (c *Client) Enqueue(ctx context.Context, msg Message) (string, error) {
	id, err := c.store.EnqueueOutbox(ctx, store.OutboxEnqueue{
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		MessageKey:    msg.MessageKey,
		DueTime:       msg.DueTime,
	})
	if err != nil {
		return c.resolveDuplicate(ctx, msg, err)
	}
	if msg.JoinID != "" {
		if err := c.store.AttachJoinMessage(ctx, msg.JoinID, id); err != nil {
			return "", fmt.Errorf("attach message to join %s: %w", msg.JoinID, err)
		}
	}
	c.emitter.Emit(ctx, events.Event{
		Type: events.TypeEnqueued, Store: c.storeKey, Topic: msg.Topic, MessageID: id,
	})
	return id, nil
}

// EnqueueTx is Enqueue inside a caller-owned gorm transaction, so the
// message commits atomically with the caller's own writes, or not at all.
// Join attachment is not supported on this path; attach after commit.
func (c *Client) EnqueueTx(tx *gorm.DB, msg Message) (string, error) {
	if msg.JoinID != "" {
		return "", fmt.Errorf("join attachment is not supported inside a caller transaction")
	}
	return c.store.EnqueueOutboxTx(tx, store.OutboxEnqueue{
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		CorrelationID: msg.CorrelationID,
		MessageKey:    msg.MessageKey,
		DueTime:       msg.DueTime,
	})
}

func (c *Client) resolveDuplicate(ctx context.Context, msg Message, enqueueErr error) (string, error) {
	if msg.MessageKey == "" || !errors.Is(enqueueErr, models.ErrDuplicateKey) {
		return "", enqueueErr
	}
	existing, err := c.findByKey(ctx, msg.MessageKey)
	if err != nil {
		return "", enqueueErr
	}
	return existing.ID, nil
}

func (c *Client) findByKey(ctx context.Context, key string) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	err := c.store.DB().WithContext(ctx).
		Where("message_key = ?", key).
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Message returns one outbox message by id.
func (c *Client) Message(ctx context.Context, id string) (*models.OutboxMessage, error) {
	return c.store.GetOutboxMessage(ctx, id)
}

// StartJoin creates a fan-in barrier expecting expectedSteps completions.
func (c *Client) StartJoin(ctx context.Context, joinID, tenantID string, expectedSteps int, metadata string) error {
	return c.store.StartJoin(ctx, joinID, tenantID, expectedSteps, metadata)
}

// AttachMessage registers an already-enqueued message as one join step.
func (c *Client) AttachMessage(ctx context.Context, joinID, messageID string) error {
	return c.store.AttachJoinMessage(ctx, joinID, messageID)
}

// Join returns a barrier's counters and status.
func (c *Client) Join(ctx context.Context, joinID string) (*models.Join, error) {
	return c.store.GetJoin(ctx, joinID)
}
