package auth

import "time"

const (
	// ScopeGlobal is the default grant scope; it satisfies any requested scope.
	ScopeGlobal = "global"
)

// Identity is the authenticated principal record. Email is the sole
// authentication handle; PasswordHash is empty for federated-only identities.
type Identity struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	IsActive          bool       `json:"is_active"`
	IsStaff           bool       `json:"is_staff"`
	IsVerified        bool       `json:"is_verified"`
	FailedLogins      int        `json:"-"`
	LockedUntil       *time.Time `json:"-"`
	PasswordChangedAt time.Time  `json:"-"`
	GoogleSubject     string     `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// FullName returns first and last name joined with a space.
func (i Identity) FullName() string {
	if i.FirstName == "" {
		return i.LastName
	}
	if i.LastName == "" {
		return i.FirstName
	}
	return i.FirstName + " " + i.LastName
}

// Role is an administratively defined grouping of scoped permission grants.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability from the fixed registry.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Codename  string    `json:"codename"`
	Resource  string    `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links a role to a permission under a scope. At most one
// grant exists per (role, permission) pair; re-granting replaces it.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	Codename     string    `json:"codename"`
	Scope        string    `json:"scope"`
	CanGrant     bool      `json:"can_grant"`
	GrantedBy    string    `json:"granted_by,omitempty"`
	GrantedAt    time.Time `json:"granted_at"`
}

// UserRole is a time-bound role assignment. At most one active assignment
// exists per (user, role) pair. Expiry is evaluated at read time, never
// flipped eagerly.
type UserRole struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	Notes      string     `json:"notes,omitempty"`
}

// Expired reports whether the assignment's expiry has passed at the given
// moment. Assignments without an expiry never expire.
func (a UserRole) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// EventKind enumerates audit event categories.
type EventKind string

const (
	EventLogin          EventKind = "login"
	EventLogout         EventKind = "logout"
	EventRegister       EventKind = "register"
	EventPasswordChange EventKind = "password_change"
	EventPasswordReset  EventKind = "password_reset"
)

// AuditEvent is an append-only record of an authentication action. The
// identity reference is optional so events survive identity deletion.
type AuditEvent struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	IdentityID string            `json:"identity_id,omitempty"`
	SourceAddr string            `json:"source_addr,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// RefreshToken is the persisted state behind an opaque refresh credential.
// Only the sha256 hash of the client-held secret is stored.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	Revoked    bool
}

// Grant is one resolved (codename, scope) pair from effective-permission
// resolution.
type Grant struct {
	Codename string `json:"codename"`
	Scope    string `json:"scope"`
}

// PermissionSet is the union of grants from all currently valid role
// assignments of one identity.
type PermissionSet map[Grant]struct{}

// Has reports whether the set satisfies the codename under the requested
// scope. A global grant satisfies any scope; an empty requested scope only
// requires the codename under any scope.
func (s PermissionSet) Has(codename, scope string) bool {
	if _, ok := s[Grant{Codename: codename, Scope: ScopeGlobal}]; ok {
		return true
	}
	if scope == "" {
		for g := range s {
			if g.Codename == codename {
				return true
			}
		}
		return false
	}
	_, ok := s[Grant{Codename: codename, Scope: scope}]
	return ok
}

// Grants returns the set as a slice, ordering unspecified.
func (s PermissionSet) Grants() []Grant {
	out := make([]Grant, 0, len(s))
	for g := range s {
		out = append(out, g)
	}
	return out
}
