package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{
		"* * * * *",
		"0 3 * * *",
		"*/5 * * * *",
		"0 0 1 1 *",
		"30 0 3 * * *", // leading seconds field
		"0 15 10 * * 1",
	}
	for _, expr := range valid {
		assert.NoError(t, Validate(expr), expr)
	}

	invalid := []string{
		"",
		"* * * *",         // 4 fields
		"* * * * * * *",   // 7 fields
		"61 * * * *",      // minute out of range
		"* * * * mondays", // bad token
	}
	for _, expr := range invalid {
		assert.Error(t, Validate(expr), expr)
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("strictly after", func(t *testing.T) {
		// 12:00 matches the expression itself; Next must skip it.
		next, err := Next("0 * * * *", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)
	})

	t.Run("daily at three", func(t *testing.T) {
		next, err := Next("0 3 * * *", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)
	})

	t.Run("evaluates in UTC regardless of input zone", func(t *testing.T) {
		zone := time.FixedZone("UTC+2", 2*60*60)
		next, err := Next("0 * * * *", after.In(zone))
		require.NoError(t, err)
		assert.Equal(t, time.UTC, next.Location())
		assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)
	})

	t.Run("six field schedule with seconds", func(t *testing.T) {
		next, err := Next("30 0 * * * *", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC), next)
	})
}
