package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

// Controller decides, per sign-in, which implementation handles the flow,
// and falls back to legacy when the new one fails. Legacy failures are never
// swallowed.
type Controller struct {
	overrides OverrideRepository

	percentage      float64
	fallbackEnabled bool

	attempts        [2]atomic.Uint64
	successes       [2]atomic.Uint64
	failures        [2]atomic.Uint64
	fallbacks       atomic.Uint64
	storageFailures atomic.Uint64

	signInCounter   metric.Int64Counter
	fallbackCounter metric.Int64Counter
}

type ControllerOption func(*Controller)

// WithFallback enables the transparent legacy retry when the new
// implementation fails.
func WithFallback(enabled bool) ControllerOption {
	return func(c *Controller) { c.fallbackEnabled = enabled }
}

// NewController builds a controller routing the given percentage (0..100) of
// identifiers to the new implementation.
func NewController(overrides OverrideRepository, percentage float64, opts ...ControllerOption) (*Controller, error) {
	if percentage < 0 || percentage > 100 {
		return nil, serviceerr.New(serviceerr.CodeConfiguration,
			fmt.Sprintf("rollout percentage %v is outside 0..100", percentage))
	}

	c := &Controller{
		overrides:  overrides,
		percentage: percentage,
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter("authbridge/rollout")

	var err error
	c.signInCounter, err = meter.Int64Counter(
		"rollout.sign_in_count",
		metric.WithDescription("Sign-in attempts per implementation and result"),
		metric.WithUnit("attempt"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sign_in_count meter: %w", err)
	}

	c.fallbackCounter, err = meter.Int64Counter(
		"rollout.fallback_count",
		metric.WithDescription("Transparent legacy fallbacks after a new-implementation failure"),
		metric.WithUnit("fallback"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fallback_count meter: %w", err)
	}

	return c, nil
}

// SelectImplementation resolves the bucket for an identifier: an explicit
// override wins, otherwise the identifier hashes deterministically against
// the rollout percentage. An empty identifier buckets as anonymous.
func (c *Controller) SelectImplementation(ctx context.Context, identifier string) Implementation {
	if identifier == "" {
		identifier = AnonymousIdentifier
	}

	if c.overrides != nil {
		override, err := c.overrides.Get(ctx, identifier)
		switch {
		case err == nil:
			return override.Implementation
		case !errors.Is(err, serviceerr.ErrNotFound):
			slogctx.Warn(ctx, "Override lookup failed; falling through to percentage bucketing",
				"identifier", identifier, "error", err)
		}
	}

	if bucket(identifier)*100 < c.percentage {
		return ImplementationNew
	}

	return ImplementationLegacy
}

// StorageFailures is the shared counter the per-request flow-secret stores
// aggregate their tier failures into, so degraded storage shows up next to
// the sign-in counters it endangers.
func (c *Controller) StorageFailures() *atomic.Uint64 {
	return &c.storageFailures
}

// SignInFunc performs one sign-in attempt with a specific implementation.
type SignInFunc func(ctx context.Context) error

// SignIn resolves the implementation for the identifier and runs it. A
// failure of the new implementation retries once with legacy when fallback
// is enabled.
func (c *Controller) SignIn(ctx context.Context, identifier string, legacy, modern SignInFunc) (Implementation, error) {
	impl := c.SelectImplementation(ctx, identifier)

	if impl == ImplementationLegacy {
		return ImplementationLegacy, c.run(ctx, ImplementationLegacy, legacy)
	}

	err := c.run(ctx, ImplementationNew, modern)
	if err == nil {
		return ImplementationNew, nil
	}

	if !c.fallbackEnabled {
		return ImplementationNew, err
	}

	c.fallbacks.Add(1)
	c.fallbackCounter.Add(ctx, 1)
	slogctx.Warn(ctx, "New implementation failed; retrying with legacy",
		"identifier", identifier, "error", err)

	return ImplementationLegacy, c.run(ctx, ImplementationLegacy, legacy)
}

func (c *Controller) run(ctx context.Context, impl Implementation, fn SignInFunc) error {
	idx := 0
	if impl == ImplementationNew {
		idx = 1
	}

	c.attempts[idx].Add(1)

	err := fn(ctx)

	result := "success"
	if err != nil {
		c.failures[idx].Add(1)
		result = "failure"
	} else {
		c.successes[idx].Add(1)
	}

	c.signInCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("implementation", string(impl)),
			attribute.String("result", result),
		))

	return err
}

// Stats is an advisory snapshot of the cumulative counters.
type Stats struct {
	Percentage float64 `json:"percentage"`

	LegacyAttempts  uint64 `json:"legacyAttempts"`
	LegacySuccesses uint64 `json:"legacySuccesses"`
	LegacyFailures  uint64 `json:"legacyFailures"`

	NewAttempts  uint64 `json:"newAttempts"`
	NewSuccesses uint64 `json:"newSuccesses"`
	NewFailures  uint64 `json:"newFailures"`

	Fallbacks       uint64 `json:"fallbacks"`
	StorageFailures uint64 `json:"storageFailures"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		Percentage:      c.percentage,
		LegacyAttempts:  c.attempts[0].Load(),
		LegacySuccesses: c.successes[0].Load(),
		LegacyFailures:  c.failures[0].Load(),
		NewAttempts:     c.attempts[1].Load(),
		NewSuccesses:    c.successes[1].Load(),
		NewFailures:     c.failures[1].Load(),
		Fallbacks:       c.fallbacks.Load(),
		StorageFailures: c.storageFailures.Load(),
	}
}
