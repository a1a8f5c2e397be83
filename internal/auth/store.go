package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the engine.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Audit(ctx context.Context) AuditStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// IdentityUpdate carries optional field updates; nil fields are untouched.
type IdentityUpdate struct {
	FirstName  *string
	LastName   *string
	IsActive   *bool
	IsStaff    *bool
	IsVerified *bool
}

// IdentityStore manages identity records. Lockout bookkeeping methods must
// be atomic per identity: concurrent failure/success recording on the same
// row must never lose an update.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	List(ctx context.Context) ([]Identity, error)
	// GetOrCreateByEmail inserts the identity, falling back to a locked
	// read of the existing row on a unique-constraint conflict. The bool
	// reports whether a new row was created.
	GetOrCreateByEmail(ctx context.Context, identity *Identity) (*Identity, bool, error)
	Update(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error)
	SetPassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	// RecordLoginFailure increments the failed counter and, when the new
	// count reaches threshold, sets the lockout expiry to now+window. The
	// counter is left intact when the lock triggers. Returns the row after
	// the update.
	RecordLoginFailure(ctx context.Context, id string, threshold int, window time.Duration) (*Identity, error)
	// RecordLoginSuccess zeroes the failed counter and clears the lockout
	// expiry unconditionally.
	RecordLoginSuccess(ctx context.Context, id string) error
	// SetLockout writes counter and expiry directly (administrative
	// lock/unlock).
	SetLockout(ctx context.Context, id string, failed int, until *time.Time) error
}

// RoleUpdate carries optional role field updates.
type RoleUpdate struct {
	Name        *string
	Description *string
	Category    *string
	IsActive    *bool
}

// RoleStore manages roles, scoped grants and time-bound assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByCode(ctx context.Context, code string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	// SetGrants replaces the role's grant set in one transaction. At most
	// one grant survives per (role, permission) pair.
	SetGrants(ctx context.Context, roleID string, grants []RolePermission) error
	GrantsForRole(ctx context.Context, roleID string) ([]RolePermission, error)
	// ReplaceAssignments deletes all assignments for the user and inserts
	// the given set as one atomic unit.
	ReplaceAssignments(ctx context.Context, userID string, assignments []UserRole) error
	AssignmentsForUser(ctx context.Context, userID string) ([]UserRole, error)
}

// PermissionStore manages the fixed permission registry.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	FindByCodename(ctx context.Context, codename string) (*Permission, error)
}

// AuditStore appends immutable events.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
}

// RefreshTokenStore manages refresh token lifecycle and the revocation list.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// MarkRevoked is a compare-and-swap on the revoked flag: ErrNotFound
	// when no such token exists, ErrTokenBlacklisted when it was already
	// revoked. Rotation relies on exactly one concurrent caller winning.
	MarkRevoked(ctx context.Context, id string) error
	MarkRevokedByIdentity(ctx context.Context, identityID string) error
}
