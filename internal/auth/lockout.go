package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sunkingbms/backend-main/internal/obs"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 15 * time.Minute
)

// LockoutGuard decides whether login attempts are permitted and records
// their outcomes. Lock state is derived from the wall clock against the
// stored expiry, never mutated eagerly.
type LockoutGuard struct {
	store     Store
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewLockoutGuard constructs a guard; zero threshold or window fall back
// to the defaults.
func NewLockoutGuard(store Store, threshold int, window time.Duration, now func() time.Time) *LockoutGuard {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	if now == nil {
		now = time.Now
	}
	return &LockoutGuard{store: store, threshold: threshold, window: window, now: now}
}

// Check returns nil when login attempts are permitted, or a *LockedError
// while the lockout window is still open.
func (g *LockoutGuard) Check(identity *Identity) error {
	if identity.LockedUntil == nil {
		return nil
	}
	if g.now().Before(*identity.LockedUntil) {
		return &LockedError{Until: *identity.LockedUntil}
	}
	return nil
}

// RecordFailure increments the failed counter; crossing the threshold
// opens the lockout window. The counter is left intact so a threshold lock
// is distinguishable from an administrative one.
func (g *LockoutGuard) RecordFailure(ctx context.Context, identityID string) (*Identity, error) {
	identity, err := g.store.Identities(ctx).RecordLoginFailure(ctx, identityID, g.threshold, g.window)
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	if identity.FailedLogins == g.threshold && identity.LockedUntil != nil {
		obs.ObserveLockout()
	}
	return identity, nil
}

// RecordSuccess clears the failed counter and any lockout unconditionally.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, identityID string) error {
	if err := g.store.Identities(ctx).RecordLoginSuccess(ctx, identityID); err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

// Lock opens a lockout window directly, bypassing the counter.
func (g *LockoutGuard) Lock(ctx context.Context, identityID string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: lock duration must be positive", ErrInvalidInput)
	}
	identity, err := g.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	until := g.now().Add(d)
	return g.store.Identities(ctx).SetLockout(ctx, identity.ID, identity.FailedLogins, &until)
}

// Unlock clears the lockout window and zeroes the counter.
func (g *LockoutGuard) Unlock(ctx context.Context, identityID string) error {
	return g.store.Identities(ctx).SetLockout(ctx, identityID, 0, nil)
}

// Threshold reports the configured failure threshold.
func (g *LockoutGuard) Threshold() int { return g.threshold }

// Window reports the configured lockout duration.
func (g *LockoutGuard) Window() time.Duration { return g.window }
