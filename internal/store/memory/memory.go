// Package memory implements auth.Store with in-process maps. It backs
// tests and local development; production deployments use store/pg.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/ids"
)

// Store holds all entity state behind one mutex, which gives every
// operation the per-row atomicity the store contract requires.
type Store struct {
	mu sync.Mutex

	identities map[string]auth.Identity
	emailIdx   map[string]string

	roles    map[string]auth.Role
	codeIdx  map[string]string
	nameIdx  map[string]string
	grants   map[string][]auth.RolePermission
	assigned map[string][]auth.UserRole

	perms   map[string]auth.Permission
	permIdx map[string]string

	events []auth.AuditEvent

	tokens map[string]auth.RefreshToken

	now func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		identities: make(map[string]auth.Identity),
		emailIdx:   make(map[string]string),
		roles:      make(map[string]auth.Role),
		codeIdx:    make(map[string]string),
		nameIdx:    make(map[string]string),
		grants:     make(map[string][]auth.RolePermission),
		assigned:   make(map[string][]auth.UserRole),
		perms:      make(map[string]auth.Permission),
		permIdx:    make(map[string]string),
		tokens:     make(map[string]auth.RefreshToken),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ auth.Store = (*Store)(nil)

func (s *Store) Identities(context.Context) auth.IdentityStore        { return identityView{s} }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return roleView{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return permView{s} }
func (s *Store) Audit(context.Context) auth.AuditStore                { return auditView{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return tokenView{s} }

// Identity store ------------------------------------------------------------

type identityView struct{ s *Store }

func (v identityView) Create(_ context.Context, identity *auth.Identity) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	email := auth.NormalizeEmail(identity.Email)
	if _, exists := s.emailIdx[email]; exists {
		return auth.ErrConflict
	}
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	now := s.now().UTC()
	identity.Email = email
	identity.CreatedAt = now
	identity.UpdatedAt = now
	s.identities[identity.ID] = *identity
	s.emailIdx[email] = identity.ID
	return nil
}

func (v identityView) Find(_ context.Context, id string) (*auth.Identity, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

func (v identityView) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emailIdx[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.findLocked(id)
}

func (v identityView) List(_ context.Context) ([]auth.Identity, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Identity, 0, len(s.identities))
	for _, rec := range s.identities {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (v identityView) GetOrCreateByEmail(_ context.Context, identity *auth.Identity) (*auth.Identity, bool, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	email := auth.NormalizeEmail(identity.Email)
	if id, ok := s.emailIdx[email]; ok {
		existing, err := s.findLocked(id)
		return existing, false, err
	}
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	now := s.now().UTC()
	identity.Email = email
	identity.CreatedAt = now
	identity.UpdatedAt = now
	s.identities[identity.ID] = *identity
	s.emailIdx[email] = identity.ID
	created := *identity
	return &created, true, nil
}

func (v identityView) Update(_ context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.FirstName != nil {
		rec.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		rec.LastName = *upd.LastName
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	if upd.IsStaff != nil {
		rec.IsStaff = *upd.IsStaff
	}
	if upd.IsVerified != nil {
		rec.IsVerified = *upd.IsVerified
	}
	rec.UpdatedAt = s.now().UTC()
	s.identities[id] = rec
	out := rec
	return &out, nil
}

func (v identityView) SetPassword(_ context.Context, id, passwordHash string, changedAt time.Time) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	rec.PasswordHash = passwordHash
	rec.PasswordChangedAt = changedAt
	rec.UpdatedAt = s.now().UTC()
	s.identities[id] = rec
	return nil
}

func (v identityView) RecordLoginFailure(_ context.Context, id string, threshold int, window time.Duration) (*auth.Identity, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	rec.FailedLogins++
	if rec.FailedLogins >= threshold {
		until := s.now().UTC().Add(window)
		rec.LockedUntil = &until
	}
	rec.UpdatedAt = s.now().UTC()
	s.identities[id] = rec
	out := rec
	return &out, nil
}

func (v identityView) RecordLoginSuccess(_ context.Context, id string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	rec.FailedLogins = 0
	rec.LockedUntil = nil
	rec.UpdatedAt = s.now().UTC()
	s.identities[id] = rec
	return nil
}

func (v identityView) SetLockout(_ context.Context, id string, failed int, until *time.Time) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	rec.FailedLogins = failed
	rec.LockedUntil = until
	rec.UpdatedAt = s.now().UTC()
	s.identities[id] = rec
	return nil
}

func (s *Store) findLocked(id string) (*auth.Identity, error) {
	rec, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := rec
	return &out, nil
}

// Role store ----------------------------------------------------------------

type roleView struct{ s *Store }

func (v roleView) Create(_ context.Context, role *auth.Role) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codeIdx[role.Code]; exists {
		return auth.ErrConflict
	}
	if _, exists := s.nameIdx[role.Name]; exists {
		return auth.ErrConflict
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[role.ID] = *role
	s.codeIdx[role.Code] = role.ID
	s.nameIdx[role.Name] = role.ID
	return nil
}

func (v roleView) Find(_ context.Context, id string) (*auth.Role, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (v roleView) FindByCode(_ context.Context, code string) (*auth.Role, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codeIdx[strings.ToLower(code)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	rec := s.roles[id]
	out := rec
	return &out, nil
}

func (v roleView) List(_ context.Context) ([]auth.Role, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v roleView) Update(_ context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil && *upd.Name != rec.Name {
		if _, exists := s.nameIdx[*upd.Name]; exists {
			return nil, auth.ErrConflict
		}
		delete(s.nameIdx, rec.Name)
		rec.Name = *upd.Name
		s.nameIdx[rec.Name] = id
	}
	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	if upd.Category != nil {
		rec.Category = *upd.Category
	}
	if upd.IsActive != nil {
		rec.IsActive = *upd.IsActive
	}
	rec.UpdatedAt = s.now().UTC()
	s.roles[id] = rec
	out := rec
	return &out, nil
}

func (v roleView) SetGrants(_ context.Context, roleID string, grants []auth.RolePermission) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	replaced := make([]auth.RolePermission, len(grants))
	copy(replaced, grants)
	s.grants[roleID] = replaced
	return nil
}

func (v roleView) GrantsForRole(_ context.Context, roleID string) ([]auth.RolePermission, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, auth.ErrNotFound
	}
	out := make([]auth.RolePermission, len(s.grants[roleID]))
	copy(out, s.grants[roleID])
	return out, nil
}

func (v roleView) ReplaceAssignments(_ context.Context, userID string, assignments []auth.UserRole) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]auth.UserRole, len(assignments))
	copy(replaced, assignments)
	s.assigned[userID] = replaced
	return nil
}

func (v roleView) AssignmentsForUser(_ context.Context, userID string) ([]auth.UserRole, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.UserRole, len(s.assigned[userID]))
	copy(out, s.assigned[userID])
	return out, nil
}

// Permission store ----------------------------------------------------------

type permView struct{ s *Store }

func (v permView) Ensure(_ context.Context, perms []auth.Permission) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, exists := s.permIdx[p.Codename]; exists {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = s.now().UTC()
		s.perms[p.ID] = p
		s.permIdx[p.Codename] = p.ID
	}
	return nil
}

func (v permView) List(_ context.Context) ([]auth.Permission, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (v permView) FindByCodename(_ context.Context, codename string) (*auth.Permission, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.permIdx[codename]
	if !ok {
		return nil, auth.ErrNotFound
	}
	rec := s.perms[id]
	out := rec
	return &out, nil
}

// Audit store ---------------------------------------------------------------

type auditView struct{ s *Store }

func (v auditView) Append(_ context.Context, event *auth.AuditEvent) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.events = append(s.events, *event)
	return nil
}

func (v auditView) Recent(_ context.Context, limit int) ([]auth.AuditEvent, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.AuditEvent, len(s.events))
	copy(out, s.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Refresh token store -------------------------------------------------------

type tokenView struct{ s *Store }

func (v tokenView) Create(_ context.Context, tok *auth.RefreshToken) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = s.now().UTC()
	}
	s.tokens[tok.ID] = *tok
	return nil
}

func (v tokenView) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (v tokenView) MarkRevoked(_ context.Context, id string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	if rec.Revoked {
		return auth.ErrTokenBlacklisted
	}
	rec.Revoked = true
	s.tokens[id] = rec
	return nil
}

func (v tokenView) MarkRevokedByIdentity(_ context.Context, identityID string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.tokens {
		if rec.IdentityID == identityID && !rec.Revoked {
			rec.Revoked = true
			s.tokens[id] = rec
		}
	}
	return nil
}
