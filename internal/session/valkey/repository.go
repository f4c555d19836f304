package sessionvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/evalabs/authbridge/internal/session"
)

// ObjectType namespaces keys within the session keyspace.
type ObjectType string

const (
	ObjectTypeSession ObjectType = "session"
)

type Repository struct {
	store *store
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, ObjectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, fmt.Errorf("loading session: %w", err)
	}

	return s, nil
}

func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	ttl := time.Until(s.Expiry)
	if ttl <= 0 {
		return r.DeleteSession(ctx, s.ID)
	}

	if err := r.store.Set(ctx, ObjectTypeSession, s.ID, s, ttl); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	sessions := make([]session.Session, 0)
	if err := getStoreObjects(ctx, r.store, ObjectTypeSession, "*", &sessions); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.store.Destroy(ctx, ObjectTypeSession, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}
