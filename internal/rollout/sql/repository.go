package rolloutsql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalabs/authbridge/internal/rollout"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = rollout.OverrideRepository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Get(ctx context.Context, identifier string) (rollout.Override, error) {
	var o rollout.Override
	err := r.db.QueryRow(ctx,
		`SELECT identifier, implementation FROM rollout_overrides WHERE identifier = $1;`,
		identifier).Scan(&o.Identifier, &o.Implementation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rollout.Override{}, serviceerr.ErrNotFound
		}

		return rollout.Override{}, fmt.Errorf("scanning override row: %w", err)
	}

	return o, nil
}

func (r *Repository) List(ctx context.Context) ([]rollout.Override, error) {
	rows, err := r.db.Query(ctx,
		`SELECT identifier, implementation FROM rollout_overrides ORDER BY identifier;`)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()

	var overrides []rollout.Override
	for rows.Next() {
		var o rollout.Override
		if err := rows.Scan(&o.Identifier, &o.Implementation); err != nil {
			return nil, fmt.Errorf("scanning override row: %w", err)
		}
		overrides = append(overrides, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating override rows: %w", err)
	}

	return overrides, nil
}

func (r *Repository) Set(ctx context.Context, override rollout.Override) error {
	if err := override.Validate(); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO rollout_overrides (identifier, implementation) VALUES ($1, $2)
		 ON CONFLICT (identifier) DO UPDATE SET implementation = EXCLUDED.implementation;`,
		override.Identifier, override.Implementation)
	if err != nil {
		return fmt.Errorf("upserting override: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, identifier string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rollout_overrides WHERE identifier = $1;`, identifier)
	if err != nil {
		return fmt.Errorf("deleting override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}
