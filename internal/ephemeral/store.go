// Package ephemeral persists the short-lived secrets of an authorization
// round trip (PKCE verifier, state envelope) across the redirect to the
// identity provider and back.
//
// No single backend is reliable across that gap: a cookie may be rejected by
// the client, the cache may be flushed, a durable row may race a concurrent
// flow. The store therefore replicates every write across all configured
// tiers best-effort and reads them back in priority order; losing up to
// n-1 of n tiers degrades nothing as long as one read succeeds.
package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

// Canonical key names. The timestamp-suffixed shadows of the verifier and
// state keys disambiguate overlapping flows (two tabs, a double-clicked
// sign-in button) that would otherwise overwrite each other's canonical keys.
const (
	KeyVerifier  = "pkce_code_verifier"
	KeyState     = "oauth_state"
	KeyTimestamp = "oauth_storage_timestamp"
)

// Tier is one storage backend. Implementations must treat a missing key as
// serviceerr.ErrNotFound, not as a generic failure.
type Tier interface {
	Name() string
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Store struct {
	tiers []Tier
	ttl   time.Duration

	tierFailures   atomic.Uint64
	sharedFailures *atomic.Uint64
}

// NewStore builds a store over the given tiers in read-priority order.
// The ttl bounds how long a flow's secrets outlive an abandoned login.
func NewStore(ttl time.Duration, tiers ...Tier) *Store {
	return &Store{tiers: tiers, ttl: ttl}
}

// CountFailuresInto additionally adds every tier failure to the given shared
// counter. Stores are built per request and discarded; the shared counter is
// what survives them for process-wide observability.
func (s *Store) CountFailuresInto(counter *atomic.Uint64) *Store {
	s.sharedFailures = counter

	return s
}

func (s *Store) recordFailure() {
	s.tierFailures.Add(1)
	if s.sharedFailures != nil {
		s.sharedFailures.Add(1)
	}
}

// FlowSecrets is the pair a single authorization round trip needs back.
type FlowSecrets struct {
	Verifier string
	State    string
}

// TierFailures reports how many individual tier operations have failed since
// the store was created. Advisory only.
func (s *Store) TierFailures() uint64 {
	return s.tierFailures.Load()
}

// Put writes the value to every tier. A failing tier is logged and skipped;
// the write succeeds as long as the loop completes, even with zero tiers
// reachable, because the state envelope carries its own last-resort fallback.
func (s *Store) Put(ctx context.Context, key, value string) {
	for _, tier := range s.tiers {
		if err := tier.Put(ctx, key, value, s.ttl); err != nil {
			s.recordFailure()
			slogctx.Warn(ctx, "Tier write failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}
}

// Get returns the first hit walking the tiers in priority order. Tier read
// errors are treated as misses.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	for _, tier := range s.tiers {
		value, err := tier.Get(ctx, key)
		if err == nil {
			return value, true
		}
		if !isMiss(err) {
			s.recordFailure()
			slogctx.Warn(ctx, "Tier read failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}

	return "", false
}

// GetAll returns every distinct value found for the key across all tiers.
// State validation matches the returned state against all candidates, so a
// tier holding a stale value does not invalidate a fresh one elsewhere.
func (s *Store) GetAll(ctx context.Context, key string) []string {
	var values []string
	seen := map[string]struct{}{}
	for _, tier := range s.tiers {
		value, err := tier.Get(ctx, key)
		if err != nil {
			if !isMiss(err) {
				s.recordFailure()
				slogctx.Warn(ctx, "Tier read failed", "tier", tier.Name(), "key", key, "error", err)
			}
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}

	return values
}

// Remove deletes the key from every tier, tolerating per-tier failure.
func (s *Store) Remove(ctx context.Context, key string) {
	for _, tier := range s.tiers {
		if err := tier.Remove(ctx, key); err != nil && !isMiss(err) {
			s.recordFailure()
			slogctx.Warn(ctx, "Tier delete failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}
}

// PutFlow stores a verifier/state pair under the canonical keys, the
// timestamp-suffixed shadow keys, and the shared timestamp marker.
func (s *Store) PutFlow(ctx context.Context, secrets FlowSecrets, issuedAt time.Time) {
	millis := strconv.FormatInt(issuedAt.UnixMilli(), 10)

	s.Put(ctx, KeyVerifier, secrets.Verifier)
	s.Put(ctx, KeyState, secrets.State)
	s.Put(ctx, ShadowKey(KeyVerifier, issuedAt), secrets.Verifier)
	s.Put(ctx, ShadowKey(KeyState, issuedAt), secrets.State)
	s.Put(ctx, KeyTimestamp, millis)
}

// RecoverVerifier walks the recovery cascade: the canonical key first, then
// the shadow key reached through the timestamp marker. The state-envelope
// fallback is the caller's third step; it lives outside this store.
func (s *Store) RecoverVerifier(ctx context.Context) (string, bool) {
	if verifier, ok := s.Get(ctx, KeyVerifier); ok {
		return verifier, true
	}

	millis, ok := s.Get(ctx, KeyTimestamp)
	if !ok {
		return "", false
	}

	verifier, ok := s.Get(ctx, KeyVerifier+"_"+millis)
	if !ok {
		slogctx.Warn(ctx, "Timestamp marker present but shadow verifier missing", "marker", millis)
		return "", false
	}

	return verifier, true
}

// StateCandidates gathers every stored state across tiers, canonical and
// shadow alike.
func (s *Store) StateCandidates(ctx context.Context) []string {
	candidates := s.GetAll(ctx, KeyState)
	if millis, ok := s.Get(ctx, KeyTimestamp); ok {
		for _, v := range s.GetAll(ctx, KeyState+"_"+millis) {
			if !slices.Contains(candidates, v) {
				candidates = append(candidates, v)
			}
		}
	}

	return candidates
}

// RemoveFlow clears a flow's canonical keys, its shadow keys (via the
// timestamp marker), and the marker itself from every tier. Runs on both
// the success and the failure path of a callback: the authorization code is
// single-use, so the envelope must never be replayable.
func (s *Store) RemoveFlow(ctx context.Context) {
	if millis, ok := s.Get(ctx, KeyTimestamp); ok {
		s.Remove(ctx, KeyVerifier+"_"+millis)
		s.Remove(ctx, KeyState+"_"+millis)
	}

	s.Remove(ctx, KeyVerifier)
	s.Remove(ctx, KeyState)
	s.Remove(ctx, KeyTimestamp)
}

// ShadowKey qualifies a canonical key with the flow's issuance timestamp.
func ShadowKey(key string, issuedAt time.Time) string {
	return fmt.Sprintf("%s_%d", key, issuedAt.UnixMilli())
}

func isMiss(err error) bool {
	return err == nil || errors.Is(err, serviceerr.ErrNotFound)
}
