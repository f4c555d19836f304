// Package valkeytier is the session-scoped tier: flow secrets live in valkey
// under a common prefix and expire with the store TTL.
package valkeytier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Tier struct {
	valkey valkey.Client
	prefix string
}

func New(valkeyClient valkey.Client, prefix string) *Tier {
	prefix = strings.TrimSuffix(prefix, ":")

	return &Tier{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (t *Tier) Name() string { return "valkey" }

func (t *Tier) key(key string) string {
	return fmt.Sprintf("%s:flow:%s", t.prefix, key)
}

func (t *Tier) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := t.valkey.B().Set().Key(t.key(key)).Value(value).Ex(ttl).Build()
	if err := t.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (t *Tier) Get(ctx context.Context, key string) (string, error) {
	value, err := t.valkey.Do(ctx, t.valkey.B().Get().Key(t.key(key)).Build()).ToString()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return "", errors.Join(valkeyErr, serviceerr.ErrNotFound)
		}

		return "", fmt.Errorf("executing get command: %w", err)
	}

	return value, nil
}

func (t *Tier) Remove(ctx context.Context, key string) error {
	if err := t.valkey.Do(ctx, t.valkey.B().Del().Key(t.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}
