package providersql_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalabs/authbridge/internal/dbtest/postgrestest"
	"github.com/evalabs/authbridge/internal/provider"
	providersql "github.com/evalabs/authbridge/internal/provider/sql"
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

func testProvider(name string) provider.Provider {
	return provider.Provider{
		Name:                      name,
		IssuerURL:                 "https://login." + name + ".test",
		AuthorizeEndpoint:         "https://login." + name + ".test/authorize",
		TokenEndpoint:             "https://login." + name + ".test/token",
		JWKSURI:                   "https://login." + name + ".test/keys",
		Scopes:                    []string{"openid", "email"},
		SupportsPKCE:              true,
		Prompt:                    "select_account",
		RefreshTokenMaxAgeSeconds: 86400,
		Properties:                map[string]string{"client_secret": "shh"},
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	r := providersql.NewRepository(dbPool)

	want := testProvider("create-get")
	require.NoError(t, r.Create(t.Context(), want))

	got, err := r.Get(t.Context(), "create-get")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		err := r.Create(t.Context(), want)
		assert.ErrorIs(t, err, serviceerr.ErrConflict)
	})

	t.Run("unknown name is not found", func(t *testing.T) {
		_, err := r.Get(t.Context(), "never-created")
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})
}

func TestRepository_Update(t *testing.T) {
	r := providersql.NewRepository(dbPool)

	p := testProvider("update-me")
	require.NoError(t, r.Create(t.Context(), p))

	p.TokenEndpoint = "https://login.update-me.test/v2/token"
	p.SupportsPKCE = false
	require.NoError(t, r.Update(t.Context(), p))

	got, err := r.Get(t.Context(), "update-me")
	require.NoError(t, err)
	assert.Equal(t, "https://login.update-me.test/v2/token", got.TokenEndpoint)
	assert.False(t, got.SupportsPKCE)

	t.Run("unknown name is not found", func(t *testing.T) {
		missing := testProvider("never-created")
		assert.ErrorIs(t, r.Update(t.Context(), missing), serviceerr.ErrNotFound)
	})
}

func TestRepository_List(t *testing.T) {
	r := providersql.NewRepository(dbPool)

	require.NoError(t, r.Create(t.Context(), testProvider("list-a")))
	require.NoError(t, r.Create(t.Context(), testProvider("list-b")))

	got, err := r.List(t.Context())
	require.NoError(t, err)

	names := make([]string, 0, len(got))
	for _, p := range got {
		names = append(names, p.Name)
	}

	assert.Subset(t, names, []string{"list-a", "list-b"})
	assert.IsIncreasing(t, names, "list must be ordered by name")
}

func TestRepository_Delete(t *testing.T) {
	r := providersql.NewRepository(dbPool)

	require.NoError(t, r.Create(t.Context(), testProvider("delete-me")))
	require.NoError(t, r.Delete(t.Context(), "delete-me"))

	_, err := r.Get(t.Context(), "delete-me")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)

	t.Run("deleting twice is not found", func(t *testing.T) {
		assert.ErrorIs(t, r.Delete(t.Context(), "delete-me"), serviceerr.ErrNotFound)
	})
}
