package sessionmock

import (
	"context"
	"sync"

	"github.com/evalabs/authbridge/internal/serviceerr"
	"github.com/evalabs/authbridge/internal/session"
)

type Repository struct {
	mu       sync.RWMutex
	sessions map[string]session.Session

	loadErr   error
	storeErr  error
	listErr   error
	deleteErr error
}

var _ session.Repository = (*Repository)(nil)

type Option func(*Repository)

func WithSession(s session.Session) Option {
	return func(r *Repository) {
		r.sessions[s.ID] = s
	}
}

func WithLoadError(err error) Option {
	return func(r *Repository) {
		r.loadErr = err
	}
}

func WithStoreError(err error) Option {
	return func(r *Repository) {
		r.storeErr = err
	}
}

func WithListError(err error) Option {
	return func(r *Repository) {
		r.listErr = err
	}
}

func WithDeleteError(err error) Option {
	return func(r *Repository) {
		r.deleteErr = err
	}
}

func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	if r.loadErr != nil {
		return session.Session{}, r.loadErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return session.Session{}, serviceerr.ErrNotFound
	}

	return s, nil
}

func (r *Repository) StoreSession(_ context.Context, s session.Session) error {
	if r.storeErr != nil {
		return r.storeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s

	return nil
}

func (r *Repository) ListSessions(_ context.Context) ([]session.Session, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}

	return sessions, nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)

	return nil
}
