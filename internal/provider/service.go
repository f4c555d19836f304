package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Service struct {
	repository Repository
}

func NewService(repo Repository) *Service {
	return &Service{
		repository: repo,
	}
}

func (s *Service) Get(ctx context.Context, name string) (Provider, error) {
	provider, err := s.repository.Get(ctx, name)
	if err != nil {
		return Provider{}, fmt.Errorf("getting provider by name: %w", err)
	}

	return provider, nil
}

func (s *Service) List(ctx context.Context) ([]Provider, error) {
	providers, err := s.repository.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}

	return providers, nil
}

func (s *Service) Create(ctx context.Context, provider Provider) error {
	if err := validate(provider); err != nil {
		return err
	}

	if err := s.repository.Create(ctx, provider); err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	return nil
}

func (s *Service) Update(ctx context.Context, provider Provider) error {
	if err := validate(provider); err != nil {
		return err
	}

	if err := s.repository.Update(ctx, provider); err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}

	return nil
}

func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.repository.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}

	return nil
}

// Upsert creates the provider or replaces an existing descriptor of the same
// name. Used by the seed loader at startup.
func (s *Service) Upsert(ctx context.Context, provider Provider) error {
	err := s.Create(ctx, provider)
	if err == nil {
		return nil
	}
	if !errors.Is(err, serviceerr.ErrConflict) {
		return err
	}

	return s.Update(ctx, provider)
}

func validate(provider Provider) error {
	if provider.Name == "" {
		return serviceerr.New(serviceerr.CodeConfiguration, "provider name is required")
	}
	if provider.IssuerURL == "" && (provider.AuthorizeEndpoint == "" || provider.TokenEndpoint == "") {
		return serviceerr.New(serviceerr.CodeConfiguration,
			"provider needs an issuer URL or explicit authorize and token endpoints")
	}

	return nil
}
