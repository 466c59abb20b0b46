package tenant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Registry resolves a candidate identifier to its canonical tenant. It
// returns ErrNotRegistered for a definitive rejection; any other error is
// treated as a transient network failure.
type Registry interface {
	Lookup(ctx context.Context, candidate string) (Tenant, error)
}

// Cache holds local state keyed by tenant identifier.
type Cache interface {
	Purge(ctx context.Context, key string) error
}

type GuardConfig struct {
	InitialBackoff time.Duration
	MaxAttempts    int
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{InitialBackoff: 2 * time.Second, MaxAttempts: 4}
}

// Guard binds an embedded surface to a tenant.
type Guard struct {
	registry Registry
	cache    Cache
	cfg      GuardConfig
	log      *slog.Logger
	onResult func(result string)
}

func NewGuard(registry Registry, cache Cache, cfg GuardConfig, log *slog.Logger) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{registry: registry, cache: cache, cfg: cfg, log: log}
}

// OnResult registers a hook called once per Validate with "valid",
// "rejected", "malformed" or "unavailable".
func (g *Guard) OnResult(fn func(result string)) {
	g.onResult = fn
}

// Validate checks candidate and returns the canonical tenant. Storage keys
// must be derived from the returned ID, never from candidate.
func (g *Guard) Validate(ctx context.Context, candidate string) (Tenant, error) {
	if err := CheckFormat(candidate); err != nil {
		g.report("malformed")
		return Tenant{}, &ValidationError{Candidate: candidate, Err: err}
	}
	candidate = strings.TrimSpace(candidate)

	var (
		result   Tenant
		attempts int
	)
	op := func() error {
		attempts++
		t, err := g.registry.Lookup(ctx, candidate)
		if err == nil {
			result = t
			return nil
		}
		if errors.Is(err, ErrNotRegistered) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		g.log.Warn("tenant registry lookup failed", "candidate", candidate, "attempt", attempts, "err", err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(g.policy(), ctx))
	switch {
	case err == nil:
		if result.ID == "" {
			g.report("rejected")
			return Tenant{}, &ValidationError{Candidate: candidate, Err: ErrNotRegistered}
		}
		g.report("valid")
		return result, nil
	case errors.Is(err, ErrNotRegistered):
		if g.cache != nil {
			if perr := g.cache.Purge(ctx, candidate); perr != nil {
				g.log.Warn("purge cached tenant state", "candidate", candidate, "err", perr)
			}
		}
		g.report("rejected")
		return Tenant{}, &ValidationError{Candidate: candidate, Err: ErrNotRegistered}
	case ctx.Err() != nil:
		return Tenant{}, ctx.Err()
	default:
		g.report("unavailable")
		return Tenant{}, &UnavailableError{Candidate: candidate, Attempts: attempts, Err: err}
	}
}

// policy yields InitialBackoff, 2x, 4x, ... between attempts without jitter.
func (g *Guard) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = g.cfg.InitialBackoff << uint(g.cfg.MaxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(g.cfg.MaxAttempts-1))
}

func (g *Guard) report(result string) {
	if g.onResult != nil {
		g.onResult(result)
	}
}
