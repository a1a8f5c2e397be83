package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/store/memory"
)

func newTokenEnv(t *testing.T) (*auth.TokenService, *memory.Store, *fakeClock, *auth.Identity) {
	t.Helper()
	clock := newFakeClock()
	store := memory.New(memory.WithClock(clock.Now))
	tokens, err := auth.NewTokenService(store, "token-test-secret",
		auth.WithIssuer("sunkingbms-test"),
		auth.WithAccessTTL(2*time.Hour),
		auth.WithRefreshTTL(24*time.Hour),
		auth.WithTokenClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	identity := &auth.Identity{Email: "tok@example.com", IsActive: true}
	if err := store.Identities(context.Background()).Create(context.Background(), identity); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return tokens, store, clock, identity
}

func TestIssueAndParseAccess(t *testing.T) {
	tokens, _, clock, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.Contains(pair.RefreshToken, ".") {
		t.Fatalf("refresh token missing id.secret shape: %s", pair.RefreshToken)
	}
	if got, want := pair.AccessExpiresAt, clock.Now().UTC().Add(2*time.Hour); !got.Equal(want) {
		t.Fatalf("access expiry: got %v, want %v", got, want)
	}

	claims, err := tokens.ParseAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccess: %v", err)
	}
	if claims.Subject != identity.ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "sunkingbms-test" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatalf("expected a jti claim")
	}
}

func TestParseAccessRejections(t *testing.T) {
	tokens, _, clock, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := tokens.ParseAccess(""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("empty token: expected ErrInvalidToken, got %v", err)
	}
	if _, err := tokens.ParseAccess("header.payload.sig"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("garbage token: expected ErrInvalidToken, got %v", err)
	}

	other, err := auth.NewTokenService(memory.New(), "different-secret", auth.WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	if _, err := other.ParseAccess(pair.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	clock.Advance(3 * time.Hour)
	if _, err := tokens.ParseAccess(pair.AccessToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expired token: expected ErrTokenExpired, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	tokens, _, _, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	next, err := tokens.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation returned the same refresh token")
	}

	// Reusing the rotated token is theft detection, not a lookup miss.
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted on reuse, got %v", err)
	}

	// The newest token keeps working.
	if _, err := tokens.Rotate(ctx, next.RefreshToken); err != nil {
		t.Fatalf("rotate newest: %v", err)
	}
}

// staleTokenReads serves every refresh-token lookup as if the record were
// still live, the way a second in-flight rotation sees the row before a
// competing rotation commits its revocation.
type staleTokenReads struct {
	auth.Store
}

func (s staleTokenReads) RefreshTokens(ctx context.Context) auth.RefreshTokenStore {
	return staleTokenView{s.Store.RefreshTokens(ctx)}
}

type staleTokenView struct {
	auth.RefreshTokenStore
}

func (v staleTokenView) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	rec, err := v.RefreshTokenStore.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Revoked = false
	return rec, nil
}

func TestRotateConcurrentLoserDetected(t *testing.T) {
	clock := newFakeClock()
	store := staleTokenReads{memory.New(memory.WithClock(clock.Now))}
	tokens, err := auth.NewTokenService(store, "token-test-secret", auth.WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	ctx := context.Background()
	identity := &auth.Identity{Email: "race@example.com", IsActive: true}
	if err := store.Identities(ctx).Create(ctx, identity); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	// The loser read the record before the winner revoked it, so its
	// pre-checks all pass; the guarded revoke in the store is what must
	// reject it.
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted for the losing rotation, got %v", err)
	}
}

func TestRotateExpired(t *testing.T) {
	tokens, _, clock, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock.Advance(25 * time.Hour)
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRotateMalformedAndUnknown(t *testing.T) {
	tokens, _, _, _ := newTokenEnv(t)
	ctx := context.Background()

	for _, raw := range []string{"", "no-dot", ".only-secret", "only-id."} {
		if _, err := tokens.Rotate(ctx, raw); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", raw, err)
		}
	}
	if _, err := tokens.Rotate(ctx, "01J0UNKNOWNID.secret"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("unknown id: expected ErrInvalidToken, got %v", err)
	}
}

func TestRotateWrongSecretBurnsRecord(t *testing.T) {
	tokens, _, _, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id := strings.SplitN(pair.RefreshToken, ".", 2)[0]
	if _, err := tokens.Rotate(ctx, id+".forged-secret"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken on forged secret, got %v", err)
	}
	// The forgery attempt revoked the record; the real token is dead too.
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted after forgery, got %v", err)
	}
}

func TestRotateInactiveIdentity(t *testing.T) {
	tokens, store, _, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	inactive := false
	if _, err := store.Identities(ctx).Update(ctx, identity.ID, auth.IdentityUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	tokens, _, _, identity := newTokenEnv(t)
	ctx := context.Background()

	pair, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := tokens.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := tokens.Revoke(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted on double revoke, got %v", err)
	}
	if err := tokens.Revoke(ctx, "garbage"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	tokens, _, _, identity := newTokenEnv(t)
	ctx := context.Background()

	first, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := tokens.Issue(ctx, identity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := tokens.RevokeAll(ctx, identity.ID); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	for _, raw := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := tokens.Rotate(ctx, raw); !errors.Is(err, auth.ErrTokenBlacklisted) {
			t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
		}
	}
}
