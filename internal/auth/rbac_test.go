package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/store/memory"
)

func newRBACEnv(t *testing.T) (*auth.RBACResolver, *memory.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := memory.New(memory.WithClock(clock.Now))
	rbac := auth.NewRBACResolver(store, clock.Now)
	if err := rbac.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return rbac, store, clock
}

func createUser(t *testing.T, store *memory.Store, email string) *auth.Identity {
	t.Helper()
	identity := &auth.Identity{Email: email, IsActive: true}
	if err := store.Identities(context.Background()).Create(context.Background(), identity); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return identity
}

func TestCreateRoleValidation(t *testing.T) {
	rbac, _, _ := newRBACEnv(t)
	ctx := context.Background()

	role, err := rbac.CreateRole(ctx, "Regional Manager", "Regional-Manager", "Runs a region.", "operations")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Code != "regional-manager" || !role.IsActive {
		t.Fatalf("unexpected role: %+v", role)
	}

	if _, err := rbac.CreateRole(ctx, "Bad Code", "Not A Slug!", "", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad code, got %v", err)
	}
	if _, err := rbac.CreateRole(ctx, "", "empty-name", "", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty name, got %v", err)
	}
	if _, err := rbac.CreateRole(ctx, "Regional Manager", "regional-manager-2", "", ""); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate name, got %v", err)
	}
}

func TestSetRoleGrants(t *testing.T) {
	rbac, _, _ := newRBACEnv(t)
	ctx := context.Background()

	role, err := rbac.CreateRole(ctx, "Auditor", "auditor", "", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	err = rbac.SetRoleGrants(ctx, role.ID, "actor-1", []auth.GrantRequest{
		{Codename: auth.PermAuditView},
		{Codename: auth.PermUserView, Scope: "region:east"},
		// Duplicate codename collapses to the last request.
		{Codename: auth.PermUserView, Scope: "region:west"},
	})
	if err != nil {
		t.Fatalf("SetRoleGrants: %v", err)
	}

	grants, err := rbac.RoleGrants(ctx, role.ID)
	if err != nil {
		t.Fatalf("RoleGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	byCode := make(map[string]auth.RolePermission)
	for _, g := range grants {
		byCode[g.Codename] = g
	}
	if byCode[auth.PermAuditView].Scope != auth.ScopeGlobal {
		t.Fatalf("empty scope should default to global, got %q", byCode[auth.PermAuditView].Scope)
	}
	if byCode[auth.PermUserView].Scope != "region:west" {
		t.Fatalf("duplicate codename should keep the last scope, got %q", byCode[auth.PermUserView].Scope)
	}

	if err := rbac.SetRoleGrants(ctx, role.ID, "actor-1", []auth.GrantRequest{{Codename: "no.such.permission"}}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown codename, got %v", err)
	}

	// Replacement, not union.
	if err := rbac.SetRoleGrants(ctx, role.ID, "actor-1", nil); err != nil {
		t.Fatalf("SetRoleGrants empty: %v", err)
	}
	grants, _ = rbac.RoleGrants(ctx, role.ID)
	if len(grants) != 0 {
		t.Fatalf("expected grants cleared, got %d", len(grants))
	}
}

func TestAssignRolesReplaces(t *testing.T) {
	rbac, store, _ := newRBACEnv(t)
	ctx := context.Background()
	user := createUser(t, store, "assignee@example.com")
	actor := createUser(t, store, "admin@example.com")

	first, err := rbac.CreateRole(ctx, "First", "first", "", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	second, err := rbac.CreateRole(ctx, "Second", "second", "", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	assigned, err := rbac.AssignRoles(ctx, user.ID, actor.ID, []auth.AssignmentRequest{
		{RoleID: first.ID},
		{RoleID: second.ID},
		{RoleID: second.ID}, // duplicate collapses
	})
	if err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assigned))
	}
	if assigned[0].AssignedBy != actor.ID {
		t.Fatalf("assignment not tagged with actor: %+v", assigned[0])
	}

	// The set is replaced wholesale, not merged.
	assigned, err = rbac.AssignRoles(ctx, user.ID, actor.ID, []auth.AssignmentRequest{{RoleID: second.ID}})
	if err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	if len(assigned) != 1 || assigned[0].RoleID != second.ID {
		t.Fatalf("expected only the second role, got %+v", assigned)
	}

	// An empty set strips every role.
	assigned, err = rbac.AssignRoles(ctx, user.ID, actor.ID, nil)
	if err != nil {
		t.Fatalf("AssignRoles empty: %v", err)
	}
	if len(assigned) != 0 {
		t.Fatalf("expected no assignments, got %d", len(assigned))
	}

	if _, err := rbac.AssignRoles(ctx, "missing-user", actor.ID, nil); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := rbac.AssignRoles(ctx, user.ID, actor.ID, []auth.AssignmentRequest{{RoleID: "missing-role"}}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
}

func TestEffectivePermissions(t *testing.T) {
	rbac, store, _ := newRBACEnv(t)
	ctx := context.Background()
	user := createUser(t, store, "perms@example.com")
	actor := createUser(t, store, "granter@example.com")

	viewer, err := rbac.CreateRole(ctx, "Viewer", "viewer", "", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := rbac.SetRoleGrants(ctx, viewer.ID, actor.ID, []auth.GrantRequest{
		{Codename: auth.PermUserView, Scope: "region:east"},
		{Codename: auth.PermAuditView},
	}); err != nil {
		t.Fatalf("SetRoleGrants: %v", err)
	}

	if _, err := rbac.AssignRoles(ctx, user.ID, actor.ID, []auth.AssignmentRequest{{RoleID: viewer.ID}}); err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}

	set, err := rbac.EffectivePermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !set.Has(auth.PermUserView, "region:east") {
		t.Fatalf("expected scoped grant to match its scope")
	}
	if set.Has(auth.PermUserView, "region:west") {
		t.Fatalf("scoped grant must not match a different scope")
	}
	// A global grant satisfies any requested scope.
	if !set.Has(auth.PermAuditView, "region:anything") {
		t.Fatalf("global grant should satisfy any scope")
	}
	if !set.Has(auth.PermAuditView, "") {
		t.Fatalf("global grant should satisfy an unscoped check")
	}
	// An unscoped check matches any grant of the codename.
	if !set.Has(auth.PermUserView, "") {
		t.Fatalf("unscoped check should match a scoped grant")
	}
	if set.Has(auth.PermRoleManage, "") {
		t.Fatalf("ungranted codename should not match")
	}

	ok, err := rbac.HasPermission(ctx, user.ID, auth.PermUserView, "region:east")
	if err != nil || !ok {
		t.Fatalf("HasPermission: ok=%v err=%v", ok, err)
	}

	// Deactivating the role removes its grants at read time.
	inactive := false
	if _, err := rbac.UpdateRole(ctx, viewer.ID, auth.RoleUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	set, _ = rbac.EffectivePermissions(ctx, user.ID)
	if len(set) != 0 {
		t.Fatalf("inactive role should contribute nothing, got %v", set)
	}
}

func TestExpiredAssignmentExcluded(t *testing.T) {
	rbac, store, clock := newRBACEnv(t)
	ctx := context.Background()
	user := createUser(t, store, "expiring@example.com")
	actor := createUser(t, store, "granter2@example.com")

	role, err := rbac.CreateRole(ctx, "Temp", "temp", "", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := rbac.SetRoleGrants(ctx, role.ID, actor.ID, []auth.GrantRequest{{Codename: auth.PermAuditView}}); err != nil {
		t.Fatalf("SetRoleGrants: %v", err)
	}

	expiry := clock.Now().Add(time.Hour)
	if _, err := rbac.AssignRoles(ctx, user.ID, actor.ID, []auth.AssignmentRequest{{RoleID: role.ID, ExpiresAt: &expiry}}); err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}

	set, _ := rbac.EffectivePermissions(ctx, user.ID)
	if !set.Has(auth.PermAuditView, "") {
		t.Fatalf("assignment should be valid before expiry")
	}

	// Expiry is evaluated lazily against the clock; the stored row is
	// untouched.
	clock.Advance(2 * time.Hour)
	set, _ = rbac.EffectivePermissions(ctx, user.ID)
	if len(set) != 0 {
		t.Fatalf("expired assignment should contribute nothing, got %v", set)
	}
	assignments, err := rbac.UserRoles(ctx, user.ID)
	if err != nil {
		t.Fatalf("UserRoles: %v", err)
	}
	if len(assignments) != 1 || !assignments[0].IsActive {
		t.Fatalf("expired assignment row should remain stored and active-flagged: %+v", assignments)
	}
}
