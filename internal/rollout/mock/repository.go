package rolloutmock

import (
	"context"
	"sync"

	"github.com/evalabs/authbridge/internal/rollout"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Repository struct {
	mu        sync.RWMutex
	overrides map[string]rollout.Override

	getErr    error
	listErr   error
	setErr    error
	deleteErr error
}

var _ = rollout.OverrideRepository(&Repository{})

type Option func(*Repository)

func WithOverride(o rollout.Override) Option {
	return func(r *Repository) {
		r.overrides[o.Identifier] = o
	}
}

func WithGetError(err error) Option {
	return func(r *Repository) {
		r.getErr = err
	}
}

func WithListError(err error) Option {
	return func(r *Repository) {
		r.listErr = err
	}
}

func WithSetError(err error) Option {
	return func(r *Repository) {
		r.setErr = err
	}
}

func WithDeleteError(err error) Option {
	return func(r *Repository) {
		r.deleteErr = err
	}
}

func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		overrides: make(map[string]rollout.Override),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Repository) Get(_ context.Context, identifier string) (rollout.Override, error) {
	if r.getErr != nil {
		return rollout.Override{}, r.getErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.overrides[identifier]
	if !ok {
		return rollout.Override{}, serviceerr.ErrNotFound
	}

	return o, nil
}

func (r *Repository) List(_ context.Context) ([]rollout.Override, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	overrides := make([]rollout.Override, 0, len(r.overrides))
	for _, o := range r.overrides {
		overrides = append(overrides, o)
	}

	return overrides, nil
}

func (r *Repository) Set(_ context.Context, override rollout.Override) error {
	if r.setErr != nil {
		return r.setErr
	}
	if err := override.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides[override.Identifier] = override

	return nil
}

func (r *Repository) Delete(_ context.Context, identifier string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.overrides[identifier]; !ok {
		return serviceerr.ErrNotFound
	}
	delete(r.overrides, identifier)

	return nil
}
