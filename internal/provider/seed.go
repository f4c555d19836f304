package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

type seedFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadSeed parses a providers.yaml descriptor file.
func LoadSeed(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	for _, p := range seed.Providers {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("seed entry %q: %w", p.Name, err)
		}
	}

	return seed.Providers, nil
}

// Seed upserts every descriptor from the seed file into the registry.
func (s *Service) Seed(ctx context.Context, path string) error {
	providers, err := LoadSeed(path)
	if err != nil {
		return err
	}

	for _, p := range providers {
		if err := s.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seeding provider %q: %w", p.Name, err)
		}
	}

	return nil
}
