package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/model"
)

// LockoutPolicy sets when repeated failures lock a key and for how long.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks a key for 15 minutes after 5 failures.
var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}

// lockState is the state of one lockout key at a point in time.
type lockState int

const (
	lockClear    lockState = iota // no record
	lockCounting                  // failures below the threshold
	lockActive                    // locked_until in the future
	lockLapsed                    // locked_until passed, record awaiting removal
)

func stateOf(rec *model.LockoutRecord, now time.Time) lockState {
	switch {
	case rec == nil:
		return lockClear
	case rec.Locked(now):
		return lockActive
	case rec.Expired(now):
		return lockLapsed
	default:
		return lockCounting
	}
}

type lockoutKey struct {
	kind  model.LockoutKind
	value string
}

// keysFor returns the identity key followed by the origin key. Blank inputs
// produce no key.
func keysFor(identity, origin string) []lockoutKey {
	keys := make([]lockoutKey, 0, 2)
	if id := NormalizeIdentity(identity); id != "" {
		keys = append(keys, lockoutKey{model.LockoutIdentity, id})
	}
	if o := strings.TrimSpace(origin); o != "" {
		keys = append(keys, lockoutKey{model.LockoutOrigin, o})
	}
	return keys
}

// NormalizeIdentity canonicalizes a login identity for lockout keys.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// LockoutGuard tracks failed logins per identity and per origin address.
type LockoutGuard struct {
	store  *config.Store
	policy LockoutPolicy
	opts   options
}

// NewLockoutGuard returns a guard enforcing policy.
func NewLockoutGuard(store *config.Store, policy LockoutPolicy, opts ...Option) *LockoutGuard {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultLockoutPolicy.Threshold
	}
	if policy.Duration <= 0 {
		policy.Duration = DefaultLockoutPolicy.Duration
	}
	return &LockoutGuard{store: store, policy: policy, opts: buildOptions(opts)}
}

// Policy returns the enforced policy.
func (g *LockoutGuard) Policy() LockoutPolicy { return g.policy }

// CheckAllowed returns a *LockedError if either the identity or the origin is
// locked. Lapsed locks are removed so the next attempt starts from zero.
func (g *LockoutGuard) CheckAllowed(ctx context.Context, identity, origin string) error {
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()

	now := g.opts.now()
	for _, k := range keysFor(identity, origin) {
		rec, err := g.store.GetLockout(ctx, k.kind, k.value)
		if err != nil && !errors.Is(err, config.ErrNotFound) {
			return fmt.Errorf("check lockout: %w", err)
		}

		switch stateOf(rec, now) {
		case lockActive:
			return &LockedError{Until: *rec.LockedUntil, RetryAfter: rec.LockedUntil.Sub(now)}
		case lockLapsed:
			if _, err := g.store.DeleteLockoutIfExpired(ctx, k.kind, k.value, now); err != nil {
				return fmt.Errorf("clear lapsed lockout: %w", err)
			}
			g.opts.logger.Info("lockout expired", "kind", k.kind, "key", k.value)
		}
	}
	return nil
}

// RecordFailure adds one failed attempt to both keys.
func (g *LockoutGuard) RecordFailure(ctx context.Context, identity, origin string) error {
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()

	now := g.opts.now()
	for _, k := range keysFor(identity, origin) {
		// A lapsed record never carries its count into a new lockout.
		if _, err := g.store.DeleteLockoutIfExpired(ctx, k.kind, k.value, now); err != nil {
			return fmt.Errorf("clear lapsed lockout: %w", err)
		}

		rec, err := g.store.IncrementFailure(ctx, k.kind, k.value, g.policy.Threshold, g.policy.Duration, now)
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		if rec.FailureCount == g.policy.Threshold && rec.LockedUntil != nil {
			metrics.LockoutsTriggered.WithLabelValues(string(k.kind)).Inc()
			g.opts.logger.Warn("lockout triggered",
				slog.String("kind", string(k.kind)),
				slog.String("key", k.value),
				slog.Int("failures", rec.FailureCount),
				slog.Time("locked_until", *rec.LockedUntil))
		}
	}
	return nil
}

// RecordSuccess clears both keys.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, identity, origin string) error {
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()

	for _, k := range keysFor(identity, origin) {
		if err := g.store.DeleteLockout(ctx, k.kind, k.value); err != nil && !errors.Is(err, config.ErrNotFound) {
			return fmt.Errorf("clear lockout: %w", err)
		}
	}
	return nil
}

// List returns every lockout record.
func (g *LockoutGuard) List(ctx context.Context) ([]model.LockoutRecord, error) {
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()
	return g.store.ListLockouts(ctx)
}

// Clear removes one record regardless of its state.
func (g *LockoutGuard) Clear(ctx context.Context, kind model.LockoutKind, key string) error {
	if kind == model.LockoutIdentity {
		key = NormalizeIdentity(key)
	}
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()

	if err := g.store.DeleteLockout(ctx, kind, key); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrLockoutNotFound
		}
		return err
	}
	g.opts.logger.Info("lockout cleared", "kind", kind, "key", key)
	return nil
}

// Sweep removes records whose lock has lapsed.
func (g *LockoutGuard) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := g.opts.bound(ctx)
	defer cancel()
	return g.store.DeleteExpiredLockouts(ctx, g.opts.now())
}
