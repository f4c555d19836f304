package rolloutsql_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalabs/authbridge/internal/dbtest/postgrestest"
	"github.com/evalabs/authbridge/internal/rollout"
	rolloutsql "github.com/evalabs/authbridge/internal/rollout/sql"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)
	defer terminate(ctx)

	dbPool = pool

	code := m.Run()
	os.Exit(code)
}

func TestRepository_SetAndGet(t *testing.T) {
	r := rolloutsql.NewRepository(dbPool)

	want := rollout.Override{Identifier: "pilot-user", Implementation: rollout.ImplementationNew}
	require.NoError(t, r.Set(t.Context(), want))

	got, err := r.Get(t.Context(), "pilot-user")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	t.Run("set replaces the implementation", func(t *testing.T) {
		require.NoError(t, r.Set(t.Context(), rollout.Override{
			Identifier:     "pilot-user",
			Implementation: rollout.ImplementationLegacy,
		}))

		got, err := r.Get(t.Context(), "pilot-user")
		require.NoError(t, err)
		assert.Equal(t, rollout.ImplementationLegacy, got.Implementation)
	})

	t.Run("invalid implementation is rejected", func(t *testing.T) {
		err := r.Set(t.Context(), rollout.Override{Identifier: "x", Implementation: "sideways"})
		assert.Error(t, err)
	})

	t.Run("unknown identifier is not found", func(t *testing.T) {
		_, err := r.Get(t.Context(), "never-set")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})
}

func TestRepository_List(t *testing.T) {
	r := rolloutsql.NewRepository(dbPool)

	require.NoError(t, r.Set(t.Context(), rollout.Override{Identifier: "list-a", Implementation: rollout.ImplementationNew}))
	require.NoError(t, r.Set(t.Context(), rollout.Override{Identifier: "list-b", Implementation: rollout.ImplementationLegacy}))

	got, err := r.List(t.Context())
	require.NoError(t, err)

	identifiers := make([]string, 0, len(got))
	for _, o := range got {
		identifiers = append(identifiers, o.Identifier)
	}

	assert.Subset(t, identifiers, []string{"list-a", "list-b"})
	assert.IsIncreasing(t, identifiers)
}

func TestRepository_Delete(t *testing.T) {
	r := rolloutsql.NewRepository(dbPool)

	require.NoError(t, r.Set(t.Context(), rollout.Override{Identifier: "delete-me", Implementation: rollout.ImplementationNew}))
	require.NoError(t, r.Delete(t.Context(), "delete-me"))

	_, err := r.Get(t.Context(), "delete-me")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)

	t.Run("deleting twice is not found", func(t *testing.T) {
		assert.ErrorIs(t, r.Delete(t.Context(), "delete-me"), serviceerr.ErrNotFound)
	})
}
