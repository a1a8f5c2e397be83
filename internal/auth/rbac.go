package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var roleCodePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// RBACResolver owns roles, scoped grants and time-bound assignments, and
// resolves an identity's effective permission set.
type RBACResolver struct {
	store Store
	now   func() time.Time
}

// NewRBACResolver constructs a resolver; a nil clock defaults to time.Now.
func NewRBACResolver(store Store, now func() time.Time) *RBACResolver {
	if now == nil {
		now = time.Now
	}
	return &RBACResolver{store: store, now: now}
}

// EnsureBuiltins seeds the fixed permission registry.
func (r *RBACResolver) EnsureBuiltins(ctx context.Context) error {
	return r.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// CreateRole registers an administratively defined role. Name and code are
// unique; the code must be slug-shaped.
func (r *RBACResolver) CreateRole(ctx context.Context, name, code, description, category string) (*Role, error) {
	name = strings.TrimSpace(name)
	code = strings.TrimSpace(strings.ToLower(code))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if !roleCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: role code must be slug-shaped", ErrInvalidInput)
	}
	role := &Role{
		Name:        name,
		Code:        code,
		Description: strings.TrimSpace(description),
		Category:    strings.TrimSpace(category),
		IsActive:    true,
	}
	if err := r.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole fetches one role by id.
func (r *RBACResolver) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return r.store.Roles(ctx).Find(ctx, roleID)
}

// ListRoles returns all roles, active or not.
func (r *RBACResolver) ListRoles(ctx context.Context) ([]Role, error) {
	return r.store.Roles(ctx).List(ctx)
}

// UpdateRole applies partial updates to a role.
func (r *RBACResolver) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	return r.store.Roles(ctx).Update(ctx, roleID, upd)
}

// GrantRequest names one permission grant for a role.
type GrantRequest struct {
	Codename string `json:"codename"`
	Scope    string `json:"scope,omitempty"`
	CanGrant bool   `json:"can_grant"`
}

// SetRoleGrants replaces the role's grant set. Duplicate codenames collapse
// to the last request so at most one grant exists per (role, permission)
// pair. Unknown codenames fail with ErrNotFound.
func (r *RBACResolver) SetRoleGrants(ctx context.Context, roleID, actorID string, reqs []GrantRequest) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := r.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return err
	}
	perms := r.store.Permissions(ctx)
	now := r.now().UTC()

	byPermission := make(map[string]RolePermission, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, req := range reqs {
		codename := strings.TrimSpace(req.Codename)
		if codename == "" {
			continue
		}
		perm, err := perms.FindByCodename(ctx, codename)
		if err != nil {
			return fmt.Errorf("%w: permission %s", ErrNotFound, codename)
		}
		scope := strings.TrimSpace(req.Scope)
		if scope == "" {
			scope = ScopeGlobal
		}
		if _, seen := byPermission[perm.ID]; !seen {
			order = append(order, perm.ID)
		}
		byPermission[perm.ID] = RolePermission{
			RoleID:       roleID,
			PermissionID: perm.ID,
			Codename:     perm.Codename,
			Scope:        scope,
			CanGrant:     req.CanGrant,
			GrantedBy:    actorID,
			GrantedAt:    now,
		}
	}
	grants := make([]RolePermission, 0, len(order))
	for _, permID := range order {
		grants = append(grants, byPermission[permID])
	}
	return r.store.Roles(ctx).SetGrants(ctx, roleID, grants)
}

// RoleGrants lists the role's current grants.
func (r *RBACResolver) RoleGrants(ctx context.Context, roleID string) ([]RolePermission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return r.store.Roles(ctx).GrantsForRole(ctx, roleID)
}

// ListPermissions returns the registry.
func (r *RBACResolver) ListPermissions(ctx context.Context) ([]Permission, error) {
	return r.store.Permissions(ctx).List(ctx)
}

// AssignmentRequest names one role assignment for a user.
type AssignmentRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// AssignRoles replaces all of the user's role assignments with the given
// set, tagged with the acting identity and the current time. The
// delete-then-insert runs as one atomic unit in the store, so a concurrent
// permission check never observes the user with zero roles mid-update.
// Repeated calls with the same set are a no-op in effect.
func (r *RBACResolver) AssignRoles(ctx context.Context, userID, actorID string, reqs []AssignmentRequest) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := r.store.Identities(ctx).Find(ctx, userID); err != nil {
		return nil, err
	}
	roles := r.store.Roles(ctx)
	now := r.now().UTC()

	seen := make(map[string]struct{}, len(reqs))
	assignments := make([]UserRole, 0, len(reqs))
	for _, req := range reqs {
		roleID := strings.TrimSpace(req.RoleID)
		if roleID == "" {
			continue
		}
		if _, dup := seen[roleID]; dup {
			continue
		}
		seen[roleID] = struct{}{}
		if _, err := roles.Find(ctx, roleID); err != nil {
			return nil, err
		}
		assignments = append(assignments, UserRole{
			UserID:     userID,
			RoleID:     roleID,
			AssignedBy: actorID,
			AssignedAt: now,
			ExpiresAt:  req.ExpiresAt,
			IsActive:   true,
			Notes:      strings.TrimSpace(req.Notes),
		})
	}
	if err := roles.ReplaceAssignments(ctx, userID, assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// UserRoles lists the user's assignments, including inactive and expired
// ones; callers that need only valid assignments should resolve through
// EffectivePermissions.
func (r *RBACResolver) UserRoles(ctx context.Context, userID string) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return r.store.Roles(ctx).AssignmentsForUser(ctx, userID)
}

// EffectivePermissions resolves the union of (codename, scope) pairs
// granted through the user's currently valid assignments. An assignment
// counts only while it is active and unexpired, and only through a role
// that is itself active.
func (r *RBACResolver) EffectivePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	roles := r.store.Roles(ctx)
	assignments, err := roles.AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	set := make(PermissionSet)
	for _, a := range assignments {
		if !a.IsActive || a.Expired(now) {
			continue
		}
		role, err := roles.Find(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		if !role.IsActive {
			continue
		}
		grants, err := roles.GrantsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			scope := g.Scope
			if scope == "" {
				scope = ScopeGlobal
			}
			set[Grant{Codename: g.Codename, Scope: scope}] = struct{}{}
		}
	}
	return set, nil
}

// HasPermission is a convenience projection over EffectivePermissions.
func (r *RBACResolver) HasPermission(ctx context.Context, userID, codename, scope string) (bool, error) {
	set, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(codename, scope), nil
}
