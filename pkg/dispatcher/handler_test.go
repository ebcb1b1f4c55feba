package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyormq/conveyor/pkg/executor"
	"github.com/conveyormq/conveyor/pkg/store"
)

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	noop := func(ctx context.Context, d Delivery) error { return nil }

	require.NoError(t, reg.Register("orders.created", noop))

	t.Run("double registration errors", func(t *testing.T) {
		assert.Error(t, reg.Register("orders.created", noop))
	})

	t.Run("empty topic errors", func(t *testing.T) {
		assert.Error(t, reg.Register("", noop))
	})

	t.Run("lookup", func(t *testing.T) {
		_, ok := reg.Handler("orders.created")
		assert.True(t, ok)
		_, ok = reg.Handler("unknown")
		assert.False(t, ok)
	})
}

func TestRegistrySources(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	noop := func(ctx context.Context, d InboxDelivery) error { return nil }

	require.NoError(t, reg.RegisterSource("billing", noop))
	assert.Error(t, reg.RegisterSource("billing", noop))

	_, ok := reg.SourceHandler("billing")
	assert.True(t, ok)
}

func TestJSONHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type order struct {
		ID int `json:"id"`
	}

	var got order
	h := JSON(func(ctx context.Context, body order, d Delivery) error {
		got = body
		return nil
	})

	t.Run("decodes payload", func(t *testing.T) {
		err := h(ctx, Delivery{Topic: "orders.created", Payload: []byte(`{"id":7}`)})
		require.NoError(t, err)
		assert.Equal(t, 7, got.ID)
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		err := h(ctx, Delivery{Topic: "orders.created", Payload: []byte(`{`)})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})
}

func TestRegisterExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := store.Open(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exec := executor.New(s, "worker-1", nil)
	reg := NewRegistry()

	calls := 0
	require.NoError(t, reg.RegisterExactlyOnce("billing.charge", exec, time.Minute,
		func(ctx context.Context, d Delivery) error {
			calls++
			return nil
		}, executor.Options{}))

	h, ok := reg.Handler("billing.charge")
	require.True(t, ok)

	delivery := Delivery{Topic: "billing.charge", MessageID: "m-1", MessageKey: "charge-42"}

	// A redelivery of the same message key runs the body only once.
	require.NoError(t, h(ctx, delivery))
	require.NoError(t, h(ctx, delivery))
	assert.Equal(t, 1, calls)

	t.Run("permanent body failure surfaces as permanent", func(t *testing.T) {
		require.NoError(t, reg.RegisterExactlyOnce("billing.void", exec, time.Minute,
			func(ctx context.Context, d Delivery) error {
				return Permanent(errors.New("card gone"))
			}, executor.Options{}))

		h, ok := reg.Handler("billing.void")
		require.True(t, ok)
		err := h(ctx, Delivery{Topic: "billing.void", MessageID: "m-2"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})
}
