package rollout_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalabs/authbridge/internal/rollout"
	rolloutmock "github.com/evalabs/authbridge/internal/rollout/mock"
)

func newController(t *testing.T, percentage float64, opts ...rollout.ControllerOption) *rollout.Controller {
	t.Helper()

	c, err := rollout.NewController(rolloutmock.NewRepository(), percentage, opts...)
	require.NoError(t, err)

	return c
}

func TestController_SelectImplementation(t *testing.T) {
	t.Run("deterministic per identifier", func(t *testing.T) {
		c := newController(t, 50)

		first := c.SelectImplementation(t.Context(), "user-42")
		for range 10 {
			assert.Equal(t, first, c.SelectImplementation(t.Context(), "user-42"))
		}
	})

	t.Run("zero percent is always legacy", func(t *testing.T) {
		c := newController(t, 0)

		for _, id := range []string{"user-1", "user-2", "", "anonymous"} {
			assert.Equal(t, rollout.ImplementationLegacy, c.SelectImplementation(t.Context(), id))
		}
	})

	t.Run("hundred percent is always new", func(t *testing.T) {
		c := newController(t, 100)

		for _, id := range []string{"user-1", "user-2", "", "anonymous"} {
			assert.Equal(t, rollout.ImplementationNew, c.SelectImplementation(t.Context(), id))
		}
	})

	t.Run("empty identifier buckets as anonymous", func(t *testing.T) {
		c := newController(t, 37)

		assert.Equal(t,
			c.SelectImplementation(t.Context(), rollout.AnonymousIdentifier),
			c.SelectImplementation(t.Context(), ""))
	})

	t.Run("override wins over percentage", func(t *testing.T) {
		overrides := rolloutmock.NewRepository(rolloutmock.WithOverride(rollout.Override{
			Identifier:     "user-42",
			Implementation: rollout.ImplementationNew,
		}))
		c, err := rollout.NewController(overrides, 0)
		require.NoError(t, err)

		assert.Equal(t, rollout.ImplementationNew, c.SelectImplementation(t.Context(), "user-42"))
		assert.Equal(t, rollout.ImplementationLegacy, c.SelectImplementation(t.Context(), "user-43"))
	})

	t.Run("override lookup failure falls back to bucketing", func(t *testing.T) {
		overrides := rolloutmock.NewRepository(rolloutmock.WithGetError(errors.New("db down")))
		c, err := rollout.NewController(overrides, 100)
		require.NoError(t, err)

		assert.Equal(t, rollout.ImplementationNew, c.SelectImplementation(t.Context(), "user-42"))
	})
}

func TestNewController_PercentageBounds(t *testing.T) {
	for _, percentage := range []float64{-1, 101} {
		_, err := rollout.NewController(rolloutmock.NewRepository(), percentage)
		assert.Error(t, err)
	}
}

func TestController_SignIn(t *testing.T) {
	succeed := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("boom") }

	t.Run("new failure falls back to legacy", func(t *testing.T) {
		c := newController(t, 100, rollout.WithFallback(true))

		var legacyRuns int
		impl, err := c.SignIn(t.Context(), "user-42", func(ctx context.Context) error {
			legacyRuns++
			return nil
		}, fail)

		require.NoError(t, err)
		assert.Equal(t, rollout.ImplementationLegacy, impl)
		assert.Equal(t, 1, legacyRuns)

		stats := c.Stats()
		assert.Equal(t, uint64(1), stats.Fallbacks)
		assert.Equal(t, uint64(1), stats.NewFailures)
		assert.Equal(t, uint64(1), stats.LegacySuccesses)
	})

	t.Run("new failure surfaces when fallback is disabled", func(t *testing.T) {
		c := newController(t, 100)

		impl, err := c.SignIn(t.Context(), "user-42", succeed, fail)
		require.Error(t, err)
		assert.Equal(t, rollout.ImplementationNew, impl)
		assert.Zero(t, c.Stats().Fallbacks)
	})

	t.Run("legacy failure is never swallowed", func(t *testing.T) {
		c := newController(t, 0, rollout.WithFallback(true))

		impl, err := c.SignIn(t.Context(), "user-42", fail, succeed)
		require.Error(t, err)
		assert.Equal(t, rollout.ImplementationLegacy, impl)
		assert.Zero(t, c.Stats().Fallbacks)
	})

	t.Run("counters accumulate", func(t *testing.T) {
		c := newController(t, 100, rollout.WithFallback(true))

		for range 3 {
			_, err := c.SignIn(t.Context(), "user-42", succeed, succeed)
			require.NoError(t, err)
		}

		stats := c.Stats()
		assert.Equal(t, uint64(3), stats.NewAttempts)
		assert.Equal(t, uint64(3), stats.NewSuccesses)
		assert.Zero(t, stats.NewFailures)
		assert.Zero(t, stats.LegacyAttempts)
	})

	t.Run("storage failures surface in the snapshot", func(t *testing.T) {
		c := newController(t, 100)

		c.StorageFailures().Add(2)
		assert.Equal(t, uint64(2), c.Stats().StorageFailures)
	})
}
