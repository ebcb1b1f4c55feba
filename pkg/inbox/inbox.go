// Package inbox is the consumer-facing intake API: external messages are
// accepted once per (source, key) and later processed in per-source order
// by the dispatcher.
package inbox

import (
	"context"

	"github.com/conveyormq/conveyor/pkg/events"
	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// Client accepts external messages into one store.
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

// Accept records one external message. The first accept of a (source, key)
// pair wins and returns true; duplicates are silent no-ops returning false
// and the stored record, whatever its processing state.
func (c *Client) Accept(ctx context.Context, source, messageKey string, payload []byte) (bool, *models.InboxRecord, error) {
	accepted, rec, err := c.store.AcceptInbox(ctx, source, messageKey, payload)
	if err != nil {
		return false, nil, err
	}

	eventType := events.TypeInboxAccepted
	if !accepted {
		eventType = events.TypeInboxDuplicate
	}
	c.emitter.Emit(ctx, events.Event{
		Type:      eventType,
		Store:     c.storeKey,
		Source:    source,
		MessageID: rec.ID,
	})
	return accepted, rec, nil
}

// Record returns one inbox record by id.
func (c *Client) Record(ctx context.Context, id string) (*models.InboxRecord, error) {
	return c.store.GetInboxRecord(ctx, id)
}
