package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conveyormq/conveyor/pkg/executor"
	"github.com/conveyormq/conveyor/pkg/store"
)

// Delivery is one claimed outbox message handed to a topic handler.
type Delivery struct {
	StoreKey      string
	MessageID     string
	Topic         string
	Payload       []byte
	CorrelationID string
	MessageKey    string
	RetryCount    int
	CreatedAt     time.Time

	// Store is the store the message came from, for handlers that enqueue
	// follow-up messages transactionally.
	Store *store.Store
}

// Handler processes one outbox delivery. A nil return acknowledges the
// message; an error abandons it for retry unless marked Permanent.
type Handler func(ctx context.Context, d Delivery) error

// InboxDelivery is one claimed inbox record handed to a source handler.
type InboxDelivery struct {
	StoreKey   string
	RecordID   string
	Source     string
	MessageKey string
	Payload    []byte
	RetryCount int
	CreatedAt  time.Time

	Store *store.Store
}

// InboxHandler processes one inbox delivery under the per-source ordering
// guarantee: it never runs concurrently with another record of the same
// source.
type InboxHandler func(ctx context.Context, d InboxDelivery) error

// Permanent marks err as non-retryable: the message is failed terminally
// instead of abandoned.
func Permanent(err error) error {
	return executor.Permanent(err)
}

// Registry maps outbox topics and inbox sources to handlers. Registration
// happens before Start; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	topics  map[string]Handler
	sources map[string]InboxHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:  map[string]Handler{},
		sources: map[string]InboxHandler{},
	}
}

// Register binds a topic to a handler. Double registration is a wiring bug
// and errors out.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" || h == nil {
		return fmt.Errorf("topic and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[topic]; exists {
		return fmt.Errorf("topic %s already registered", topic)
	}
	r.topics[topic] = h
	return nil
}

// RegisterSource binds an inbox source to a handler.
func (r *Registry) RegisterSource(source string, h InboxHandler) error {
	if source == "" || h == nil {
		return fmt.Errorf("source and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[source]; exists {
		return fmt.Errorf("source %s already registered", source)
	}
	r.sources[source] = h
	return nil
}

// RegisterExactlyOnce binds a topic to a handler guarded by the store's
// idempotency entries: the handler body runs at most once per message even
// when the message itself is redelivered. The idempotency key is the
// message key when present, otherwise the message id.
func (r *Registry) RegisterExactlyOnce(topic string, exec *executor.ExactlyOnce, lockTTL time.Duration, h Handler, opts executor.Options) error {
	return r.Register(topic, func(ctx context.Context, d Delivery) error {
		key := d.MessageKey
		if key == "" {
			key = d.MessageID
		}
		outcome := exec.Do(ctx, topic+":"+key, lockTTL, func(ctx context.Context) ([]byte, error) {
			return nil, h(ctx, d)
		}, opts)

		switch outcome.Status {
		case executor.StatusCompleted, executor.StatusSuppressed:
			return nil
		case executor.StatusPermanentFailure:
			return Permanent(outcome.Err)
		default:
			return outcome.Err
		}
	})
}

// Handler resolves a topic.
func (r *Registry) Handler(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.topics[topic]
	return h, ok
}

// SourceHandler resolves an inbox source.
func (r *Registry) SourceHandler(source string) (InboxHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sources[source]
	return h, ok
}

// JSON adapts a typed function into a Handler by unmarshalling the payload.
// A payload that does not parse is a permanent failure; retrying cannot fix
// malformed bytes.
func JSON[T any](fn func(ctx context.Context, body T, d Delivery) error) Handler {
	return func(ctx context.Context, d Delivery) error {
		var body T
		if err := json.Unmarshal(d.Payload, &body); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", d.Topic, err))
		}
		return fn(ctx, body, d)
	}
}
