package providersql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

const uniqueViolation = "23505"

type Repository struct {
	db *pgxpool.Pool
}

var _ = provider.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

const selectColumns = `name, issuer_url, authorize_endpoint, token_endpoint, jwks_uri,
	scopes, supports_pkce, prompt, refresh_token_max_age_seconds, properties`

func (r *Repository) Get(ctx context.Context, name string) (provider.Provider, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM providers WHERE name = $1;`, name)

	return scanProvider(row)
}

func (r *Repository) List(ctx context.Context) ([]provider.Provider, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM providers ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var providers []provider.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider rows: %w", err)
	}

	return providers, nil
}

func (r *Repository) Create(ctx context.Context, p provider.Provider) error {
	propsBytes, err := marshalProperties(p)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO providers (`+selectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::text[]), $7, $8, $9, $10);`,
		p.Name, p.IssuerURL, p.AuthorizeEndpoint, p.TokenEndpoint, p.JWKSURI,
		p.Scopes, p.SupportsPKCE, p.Prompt, p.RefreshTokenMaxAgeSeconds, propsBytes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return serviceerr.ErrConflict
		}

		return fmt.Errorf("inserting provider: %w", err)
	}

	return nil
}

func (r *Repository) Update(ctx context.Context, p provider.Provider) error {
	propsBytes, err := marshalProperties(p)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE providers SET issuer_url = $2, authorize_endpoint = $3, token_endpoint = $4,
			jwks_uri = $5, scopes = COALESCE($6, '{}'::text[]), supports_pkce = $7,
			prompt = $8, refresh_token_max_age_seconds = $9, properties = $10
		 WHERE name = $1;`,
		p.Name, p.IssuerURL, p.AuthorizeEndpoint, p.TokenEndpoint, p.JWKSURI,
		p.Scopes, p.SupportsPKCE, p.Prompt, p.RefreshTokenMaxAgeSeconds, propsBytes)
	if err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM providers WHERE name = $1;`, name)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func scanProvider(row pgx.Row) (provider.Provider, error) {
	var p provider.Provider
	var propsBytes []byte
	err := row.Scan(&p.Name, &p.IssuerURL, &p.AuthorizeEndpoint, &p.TokenEndpoint, &p.JWKSURI,
		&p.Scopes, &p.SupportsPKCE, &p.Prompt, &p.RefreshTokenMaxAgeSeconds, &propsBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return provider.Provider{}, serviceerr.ErrNotFound
		}

		return provider.Provider{}, fmt.Errorf("scanning provider row: %w", err)
	}

	if len(propsBytes) > 0 {
		if err := json.Unmarshal(propsBytes, &p.Properties); err != nil {
			return provider.Provider{}, fmt.Errorf("unmarshalling properties: %w", err)
		}
	} else {
		p.Properties = make(map[string]string)
	}

	return p, nil
}

func marshalProperties(p provider.Provider) ([]byte, error) {
	if p.Properties == nil {
		return []byte(`{}`), nil
	}

	propsBytes, err := json.Marshal(p.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}

	return propsBytes, nil
}
