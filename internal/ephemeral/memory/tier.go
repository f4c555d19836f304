// Package memorytier is the in-process fallback tier. Its lifetime is the
// process lifetime; it must never be assumed durable.
package memorytier

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Tier struct {
	cache *cache.Cache
}

func New(defaultTTL time.Duration) *Tier {
	return &Tier{
		cache: cache.New(defaultTTL, 2*defaultTTL),
	}
}

func (t *Tier) Name() string { return "memory" }

func (t *Tier) Put(_ context.Context, key, value string, ttl time.Duration) error {
	t.cache.Set(key, value, ttl)

	return nil
}

func (t *Tier) Get(_ context.Context, key string) (string, error) {
	value, ok := t.cache.Get(key)
	if !ok {
		return "", serviceerr.ErrNotFound
	}

	//nolint:forcetypeassert
	return value.(string), nil
}

func (t *Tier) Remove(_ context.Context, key string) error {
	t.cache.Delete(key)

	return nil
}
