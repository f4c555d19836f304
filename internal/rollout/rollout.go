// Package rollout routes sign-ins between the legacy and the new
// authorization implementation during migration. Bucketing is deterministic
// per identifier so a user sees the same implementation on every login.
package rollout

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
)

type Implementation string

const (
	ImplementationLegacy Implementation = "legacy"
	ImplementationNew    Implementation = "new"
)

// AnonymousIdentifier buckets callers with no stable identity.
const AnonymousIdentifier = "anonymous"

// Override is an explicit per-user assignment that wins over percentage
// bucketing.
type Override struct {
	Identifier     string
	Implementation Implementation
}

func (o Override) Validate() error {
	if o.Identifier == "" {
		return fmt.Errorf("override has no identifier")
	}
	if o.Implementation != ImplementationLegacy && o.Implementation != ImplementationNew {
		return fmt.Errorf("override names unknown implementation %q", o.Implementation)
	}

	return nil
}

// OverrideRepository stores the explicit assignments. A missing identifier is
// serviceerr.ErrNotFound.
type OverrideRepository interface {
	Get(ctx context.Context, identifier string) (Override, error)
	List(ctx context.Context) ([]Override, error)
	Set(ctx context.Context, override Override) error
	Delete(ctx context.Context, identifier string) error
}

// bucket hashes an identifier to a stable value in [0, 1).
func bucket(identifier string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))

	return float64(h.Sum32()) / float64(math.MaxUint32+1)
}
