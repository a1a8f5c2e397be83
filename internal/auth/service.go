package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sunkingbms/backend-main/internal/obs"
)

// FederatedClaims are the validated claims mapped from a third-party
// identity assertion.
type FederatedClaims struct {
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
}

// FederatedVerifier validates a raw identity assertion. Content failures
// surface ErrInvalidAssertion; transport failures reaching the provider
// surface ErrProviderUnreachable.
type FederatedVerifier interface {
	Verify(ctx context.Context, rawToken string) (FederatedClaims, error)
}

// PasswordPolicy validates candidate passwords. Violations surface as a
// *PolicyError. The algorithm is an external collaborator concern.
type PasswordPolicy interface {
	Validate(password string, identity *Identity) error
}

// Recorder appends audit events. Implementations must be fire-and-forget:
// a persistence failure is logged internally, never surfaced to the
// authentication flow it describes.
type Recorder interface {
	Record(ctx context.Context, event AuditEvent)
}

// RequestMeta carries the caller-facing request attributes recorded with
// audit events.
type RequestMeta struct {
	SourceAddr string
	UserAgent  string
}

// Service composes the lockout guard, token service, federated verifier
// and RBAC resolver into the user-facing authentication flows.
type Service struct {
	store    Store
	guard    *LockoutGuard
	tokens   *TokenService
	rbac     *RBACResolver
	verifier FederatedVerifier
	policy   PasswordPolicy
	audit    Recorder
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithFederatedVerifier enables federated login.
func WithFederatedVerifier(v FederatedVerifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

// WithPasswordPolicy overrides the password-policy collaborator.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.audit = r }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the orchestrator. Guard, tokens and resolver are
// required; verifier, policy and recorder are optional collaborators.
func NewService(store Store, guard *LockoutGuard, tokens *TokenService, rbac *RBACResolver, opts ...ServiceOption) (*Service, error) {
	if store == nil || guard == nil || tokens == nil || rbac == nil {
		return nil, errors.New("auth: store, guard, tokens and rbac are required")
	}
	svc := &Service{
		store:  store,
		guard:  guard,
		tokens: tokens,
		rbac:   rbac,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Tokens exposes the token service for enforcement points.
func (s *Service) Tokens() *TokenService { return s.tokens }

// RBAC exposes the resolver for enforcement points.
func (s *Service) RBAC() *RBACResolver { return s.rbac }

// Guard exposes the lockout guard for administrative operations.
func (s *Service) Guard() *LockoutGuard { return s.guard }

// RegisterInput carries registration fields.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a password identity. Registration issues no tokens.
// A duplicate email fails with ErrConflict.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*Identity, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" {
		return nil, fmt.Errorf("%w: first and last name are required", ErrInvalidInput)
	}
	candidate := &Identity{
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		IsActive:  true,
	}
	if s.policy != nil {
		if err := s.policy.Validate(in.Password, candidate); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	candidate.PasswordHash = hash
	candidate.PasswordChangedAt = s.now().UTC()
	if err := s.store.Identities(ctx).Create(ctx, candidate); err != nil {
		return nil, err
	}
	s.record(ctx, EventRegister, candidate.ID, meta, nil)
	return candidate, nil
}

// Login authenticates email/password and issues a token pair. The lockout
// guard runs first; a locked account is rejected without consuming or
// incrementing the counter. Failed password checks always complete their
// bookkeeping before the error surfaces.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (TokenPair, *Identity, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if err := s.guard.Check(identity); err != nil {
		return TokenPair{}, nil, err
	}
	if !identity.IsActive {
		return TokenPair{}, nil, ErrAccountInactive
	}
	if identity.PasswordHash == "" || VerifyPassword(identity.PasswordHash, password) != nil {
		updated, recErr := s.guard.RecordFailure(ctx, identity.ID)
		fields := map[string]string{"outcome": "failure", "reason": "invalid_credentials"}
		if recErr == nil {
			fields["failed_logins"] = strconv.Itoa(updated.FailedLogins)
			if updated.LockedUntil != nil {
				fields["locked_until"] = updated.LockedUntil.UTC().Format(time.RFC3339)
			}
		}
		s.record(ctx, EventLogin, identity.ID, meta, fields)
		obs.ObserveLogin("password", "failure")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := s.guard.RecordSuccess(ctx, identity.ID); err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := s.tokens.Issue(ctx, identity)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.record(ctx, EventLogin, identity.ID, meta, map[string]string{"outcome": "success", "method": "password"})
	obs.ObserveLogin("password", "success")
	return pair, identity, nil
}

// FederatedLogin verifies a third-party assertion and issues tokens,
// creating the identity on first successful login. Created identities are
// active, non-staff and carry no password hash.
func (s *Service) FederatedLogin(ctx context.Context, rawToken string, meta RequestMeta) (TokenPair, *Identity, error) {
	if s.verifier == nil {
		return TokenPair{}, nil, fmt.Errorf("%w: federated login is not configured", ErrInvalidInput)
	}
	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		obs.ObserveLogin("federated", "failure")
		return TokenPair{}, nil, err
	}
	candidate := &Identity{
		Email:         NormalizeEmail(claims.Email),
		FirstName:     claims.GivenName,
		LastName:      claims.FamilyName,
		IsActive:      true,
		IsVerified:    true,
		GoogleSubject: claims.Subject,
	}
	identity, _, err := s.store.Identities(ctx).GetOrCreateByEmail(ctx, candidate)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !identity.IsActive {
		return TokenPair{}, nil, ErrAccountInactive
	}
	pair, err := s.tokens.Issue(ctx, identity)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.record(ctx, EventLogin, identity.ID, meta, map[string]string{"outcome": "success", "method": "federated"})
	obs.ObserveLogin("federated", "success")
	return pair, identity, nil
}

// Logout revokes the presented refresh token. Invalid tokens are a client
// error, surfaced unchanged.
func (s *Service) Logout(ctx context.Context, refreshToken string, meta RequestMeta) error {
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	identityID := ""
	if identity, ok := IdentityFromContext(ctx); ok {
		identityID = identity.ID
	}
	s.record(ctx, EventLogout, identityID, meta, nil)
	return nil
}

// ChangePassword verifies the current credential, validates the new one
// against policy, stores the new hash and revokes all outstanding refresh
// tokens for the identity.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string, meta RequestMeta) error {
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.PasswordHash == "" || VerifyPassword(identity.PasswordHash, current) != nil {
		return ErrInvalidCredentials
	}
	if s.policy != nil {
		if err := s.policy.Validate(next, identity); err != nil {
			return err
		}
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	changedAt := s.now().UTC()
	if err := s.store.Identities(ctx).SetPassword(ctx, identity.ID, hash, changedAt); err != nil {
		return err
	}
	if err := s.tokens.RevokeAll(ctx, identity.ID); err != nil {
		return err
	}
	s.record(ctx, EventPasswordChange, identity.ID, meta, nil)
	return nil
}

// Deactivate flips the active flag off and revokes all refresh tokens.
// Identities are never hard-deleted; the flag flip preserves audit and
// foreign-key integrity.
func (s *Service) Deactivate(ctx context.Context, identityID string) error {
	inactive := false
	if _, err := s.store.Identities(ctx).Update(ctx, identityID, IdentityUpdate{IsActive: &inactive}); err != nil {
		return err
	}
	return s.tokens.RevokeAll(ctx, identityID)
}

// Reactivate flips the active flag back on.
func (s *Service) Reactivate(ctx context.Context, identityID string) error {
	active := true
	_, err := s.store.Identities(ctx).Update(ctx, identityID, IdentityUpdate{IsActive: &active})
	return err
}

// Identity loads a single identity by id.
func (s *Service) Identity(ctx context.Context, identityID string) (*Identity, error) {
	return s.store.Identities(ctx).Find(ctx, identityID)
}

// ListIdentities returns all identities ordered by email.
func (s *Service) ListIdentities(ctx context.Context) ([]Identity, error) {
	return s.store.Identities(ctx).List(ctx)
}

// UpdateIdentity applies a partial profile update.
func (s *Service) UpdateIdentity(ctx context.Context, identityID string, upd IdentityUpdate) (*Identity, error) {
	return s.store.Identities(ctx).Update(ctx, identityID, upd)
}

// Authenticate validates an access token and loads its identity, for use
// by enforcement points.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.Identities(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !identity.IsActive {
		return nil, ErrAccountInactive
	}
	return identity, nil
}

func (s *Service) record(ctx context.Context, kind EventKind, identityID string, meta RequestMeta, fields map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       kind,
		IdentityID: identityID,
		SourceAddr: meta.SourceAddr,
		UserAgent:  meta.UserAgent,
		Metadata:   fields,
		OccurredAt: s.now().UTC(),
	})
}

// NormalizeEmail lower-cases and trims the authentication handle.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// MinLengthPolicy is the default password-policy collaborator: a plain
// length floor. Deployments substitute their own via WithPasswordPolicy.
type MinLengthPolicy struct {
	Min int
}

func (p MinLengthPolicy) Validate(password string, _ *Identity) error {
	min := p.Min
	if min <= 0 {
		min = 8
	}
	if len(password) < min {
		return &PolicyError{Reasons: []string{fmt.Sprintf("password must be at least %d characters", min)}}
	}
	return nil
}
