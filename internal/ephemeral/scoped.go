package ephemeral

import (
	"context"
	"time"
)

// scopedTier namespaces a shared tier per client, so two browsers mid-flow
// at the same time never clobber each other's canonical keys. Tiers that are
// naturally client-scoped (the cookie tier) do not need it.
type scopedTier struct {
	next  Tier
	scope string
}

// Scoped wraps a tier so every key is prefixed with the given scope.
func Scoped(tier Tier, scope string) Tier {
	return &scopedTier{next: tier, scope: scope}
}

func (t *scopedTier) Name() string { return t.next.Name() }

func (t *scopedTier) key(key string) string {
	return t.scope + "/" + key
}

func (t *scopedTier) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return t.next.Put(ctx, t.key(key), value, ttl)
}

func (t *scopedTier) Get(ctx context.Context, key string) (string, error) {
	return t.next.Get(ctx, t.key(key))
}

func (t *scopedTier) Remove(ctx context.Context, key string) error {
	return t.next.Remove(ctx, t.key(key))
}
