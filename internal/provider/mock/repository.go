package providermock

import (
	"context"

	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

type RepositoryOption func(*Repository)

type Repository struct {
	providers map[string]provider.Provider

	getErr, listErr, createErr, updateErr, deleteErr error
}

func WithProvider(p provider.Provider) RepositoryOption {
	return func(r *Repository) { r.providers[p.Name] = p }
}
func WithGetError(err error) RepositoryOption {
	return func(r *Repository) { r.getErr = err }
}
func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithUpdateError(err error) RepositoryOption {
	return func(r *Repository) { r.updateErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = provider.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		providers: make(map[string]provider.Provider),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Get(_ context.Context, name string) (provider.Provider, error) {
	if r.getErr != nil {
		return provider.Provider{}, r.getErr
	}
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	return provider.Provider{}, serviceerr.ErrNotFound
}

func (r *Repository) List(_ context.Context) ([]provider.Provider, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	providers := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	return providers, nil
}

func (r *Repository) Create(_ context.Context, p provider.Provider) error {
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.providers[p.Name]; ok {
		return serviceerr.ErrConflict
	}
	r.providers[p.Name] = p
	return nil
}

func (r *Repository) Update(_ context.Context, p provider.Provider) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.providers[p.Name]; !ok {
		return serviceerr.ErrNotFound
	}
	r.providers[p.Name] = p
	return nil
}

func (r *Repository) Delete(_ context.Context, name string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.providers[name]; !ok {
		return serviceerr.ErrNotFound
	}
	delete(r.providers, name)
	return nil
}
