package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sunkingbms/backend-main/internal/ids"
	"github.com/sunkingbms/backend-main/internal/obs"
)

const (
	DefaultAccessTTL  = 2 * time.Hour
	DefaultRefreshTTL = 24 * time.Hour

	tokenTypeAccess = "access"
)

// AccessClaims are the JWT claims carried by a stateless access token.
type AccessClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is an access/refresh credential pair with expirations.
type TokenPair struct {
	AccessToken      string    `json:"access"`
	RefreshToken     string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues, rotates and revokes session credentials. Access
// tokens are stateless HS256 JWTs and are never individually revocable
// before natural expiry; refresh tokens are stateful and checked against
// the revocation list on every use.
type TokenService struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService constructs the service. The signing secret is required.
func NewTokenService(store Store, secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	svc := &TokenService{
		store:      store,
		secret:     []byte(secret),
		issuer:     "sunkingbms",
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Issue mints a fresh token pair for the identity and records the refresh
// token entry.
func (s *TokenService) Issue(ctx context.Context, identity *Identity) (TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.signAccessToken(identity.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rec, err := s.generateRefreshToken(identity.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}
	obs.ObserveTokenIssued()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Rotate invalidates the presented refresh token and issues a new pair.
// Presenting an already-rotated or revoked token fails with
// ErrTokenBlacklisted so reuse is detectable as theft.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if rec.Revoked {
		return TokenPair{}, ErrTokenBlacklisted
	}
	if s.now().After(rec.ExpiresAt) {
		return TokenPair{}, ErrTokenExpired
	}
	if !compareTokenHash(rec.TokenHash, secret) {
		// Valid id with a wrong secret looks like a forgery attempt;
		// burn the record.
		_ = tokens.MarkRevoked(ctx, rec.ID)
		return TokenPair{}, ErrInvalidToken
	}

	identity, err := s.store.Identities(ctx).Find(ctx, rec.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if !identity.IsActive {
		return TokenPair{}, ErrAccountInactive
	}

	// The store revokes as a compare-and-swap, so of two concurrent
	// rotations of the same token exactly one reaches this point first;
	// the loser surfaces as reuse.
	if err := tokens.MarkRevoked(ctx, rec.ID); err != nil {
		if errors.Is(err, ErrTokenBlacklisted) {
			return TokenPair{}, ErrTokenBlacklisted
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	obs.ObserveTokenRotated()
	return s.Issue(ctx, identity)
}

// Revoke adds the refresh token to the revocation list. Malformed or
// unknown input fails with ErrInvalidToken; an already revoked token fails
// with ErrTokenBlacklisted.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if !compareTokenHash(rec.TokenHash, secret) {
		return ErrInvalidToken
	}
	if rec.Revoked {
		return ErrTokenBlacklisted
	}
	if err := tokens.MarkRevoked(ctx, rec.ID); err != nil {
		return err
	}
	obs.ObserveTokenRevoked()
	return nil
}

// RevokeAll revokes every refresh token issued to the identity.
func (s *TokenService) RevokeAll(ctx context.Context, identityID string) error {
	return s.store.RefreshTokens(ctx).MarkRevokedByIdentity(ctx, identityID)
}

// ParseAccess verifies an access token's signature and claims.
func (s *TokenService) ParseAccess(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) signAccessToken(identityID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

func (s *TokenService) generateRefreshToken(identityID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:         ids.New(),
		IdentityID: identityID,
		TokenHash:  hex.EncodeToString(sum[:]),
		ExpiresAt:  now.Add(s.refreshTTL),
		CreatedAt:  now,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func compareTokenHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
