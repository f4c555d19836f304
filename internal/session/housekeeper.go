package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
	"github.com/evalabs/authbridge/internal/token"
)

// Housekeeper walks stored sessions and keeps their tokens fresh. Sessions
// whose refresh token is about to hit the provider's absolute lifetime are
// flagged for re-authentication instead of refreshed, because a refresh past
// that point returns a token that dies mid-session.
type Housekeeper struct {
	repo      Repository
	providers *provider.Service
	lifecycle *token.Lifecycle

	refreshBuffer  time.Duration
	ceilingWarning time.Duration
	idleTimeout    time.Duration
}

type HousekeeperOption func(*Housekeeper)

func WithRefreshBuffer(d time.Duration) HousekeeperOption {
	return func(h *Housekeeper) { h.refreshBuffer = d }
}

func WithCeilingWarning(d time.Duration) HousekeeperOption {
	return func(h *Housekeeper) { h.ceilingWarning = d }
}

func WithIdleTimeout(d time.Duration) HousekeeperOption {
	return func(h *Housekeeper) { h.idleTimeout = d }
}

func NewHousekeeper(repo Repository, providers *provider.Service, lifecycle *token.Lifecycle, opts ...HousekeeperOption) *Housekeeper {
	h := &Housekeeper{
		repo:           repo,
		providers:      providers,
		lifecycle:      lifecycle,
		refreshBuffer:  token.DefaultRefreshBuffer,
		ceilingWarning: token.DefaultCeilingWarning,
		idleTimeout:    12 * time.Hour,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// RefreshExpiringSessions refreshes every session whose access token expires
// within the refresh buffer. A session approaching its refresh-token ceiling
// is marked RequiresReauth and left alone. Failures on individual sessions
// are logged and do not stop the sweep.
func (h *Housekeeper) RefreshExpiringSessions(ctx context.Context) error {
	sessions, err := h.repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, s := range sessions {
		if err := h.refreshSession(ctx, s); err != nil {
			slogctx.Warn(ctx, "Failed to refresh session",
				"session_id", s.ID,
				"provider", s.Provider,
				"error", err,
			)
		}
	}

	return nil
}

func (h *Housekeeper) refreshSession(ctx context.Context, s Session) error {
	maxAge := token.DefaultRefreshTokenMaxAge

	prov, err := h.providers.Get(ctx, s.Provider)
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}
	if prov.RefreshTokenMaxAgeSeconds > 0 {
		maxAge = time.Duration(prov.RefreshTokenMaxAgeSeconds) * time.Second
	}

	if token.ApproachingAbsoluteCeiling(s.Tokens.RefreshTokenCreatedAt, maxAge, h.ceilingWarning) {
		if s.RequiresReauth {
			return nil
		}

		s.RequiresReauth = true
		if err := h.repo.StoreSession(ctx, s); err != nil {
			return fmt.Errorf("flagging session for re-authentication: %w", err)
		}

		slogctx.Info(ctx, "Session refresh token is near its absolute lifetime",
			"session_id", s.ID,
			"provider", s.Provider,
		)

		return nil
	}

	if !token.NeedsRefresh(s.Tokens.ExpiresAt(), h.refreshBuffer) {
		return nil
	}

	refreshed, err := h.lifecycle.Refresh(ctx, prov, s.Tokens)
	if err != nil {
		if errors.Is(err, serviceerr.ErrRequiresReauth) {
			s.RequiresReauth = true
			if storeErr := h.repo.StoreSession(ctx, s); storeErr != nil {
				return errors.Join(err, fmt.Errorf("flagging session for re-authentication: %w", storeErr))
			}

			return nil
		}

		return fmt.Errorf("refreshing tokens: %w", err)
	}

	s.Tokens = refreshed
	s.RequiresReauth = false
	if err := h.repo.StoreSession(ctx, s); err != nil {
		return fmt.Errorf("storing refreshed session: %w", err)
	}

	return nil
}

// CleanupIdleSessions removes sessions that have not been visited within the
// idle timeout.
func (h *Housekeeper) CleanupIdleSessions(ctx context.Context) error {
	sessions, err := h.repo.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	cutoff := time.Now().Add(-h.idleTimeout)
	for _, s := range sessions {
		if s.LastVisited.After(cutoff) {
			continue
		}

		if err := h.repo.DeleteSession(ctx, s.ID); err != nil {
			slogctx.Warn(ctx, "Failed to delete idle session",
				"session_id", s.ID,
				"error", err,
			)

			continue
		}

		slogctx.Debug(ctx, "Deleted idle session", "session_id", s.ID)
	}

	return nil
}
