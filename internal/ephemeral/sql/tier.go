// Package sqltier is the durable tier: flow secrets survive a cache flush or
// a valkey restart by living in postgres until they expire.
package sqltier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Tier struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Tier {
	return &Tier{db: db}
}

func (t *Tier) Name() string { return "sql" }

func (t *Tier) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO flow_secrets (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at;`,
		key, value, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("upserting flow secret: %w", err)
	}

	return nil
}

func (t *Tier) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := t.db.QueryRow(ctx,
		`SELECT value FROM flow_secrets WHERE key = $1 AND expires_at > now();`,
		key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", serviceerr.ErrNotFound
		}

		return "", fmt.Errorf("selecting flow secret: %w", err)
	}

	return value, nil
}

func (t *Tier) Remove(ctx context.Context, key string) error {
	if _, err := t.db.Exec(ctx, `DELETE FROM flow_secrets WHERE key = $1;`, key); err != nil {
		return fmt.Errorf("deleting flow secret: %w", err)
	}

	return nil
}

// Sweep removes expired rows. The token-refresher job calls this so
// abandoned logins do not accumulate forever.
func (t *Tier) Sweep(ctx context.Context) (int64, error) {
	tag, err := t.db.Exec(ctx, `DELETE FROM flow_secrets WHERE expires_at <= now();`)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired flow secrets: %w", err)
	}

	return tag.RowsAffected(), nil
}
