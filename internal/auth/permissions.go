package auth

// Builtin permission codenames. The registry is fixed; permissions are
// seeded once, never created per request.
const (
	PermUserView    = "accounts.user.view"
	PermUserManage  = "accounts.user.manage"
	PermRoleView    = "roles.role.view"
	PermRoleManage  = "roles.role.manage"
	PermRoleAssign  = "roles.role.assign"
	PermAuditView   = "audit.event.view"
	PermAgentLink   = "agents.profile.link"
	PermAgentManage = "agents.profile.manage"
)

var BuiltinPermissions = []Permission{
	{Codename: PermUserView, Name: "View users", Resource: "user"},
	{Codename: PermUserManage, Name: "Manage users", Resource: "user"},
	{Codename: PermRoleView, Name: "View roles", Resource: "role"},
	{Codename: PermRoleManage, Name: "Manage roles and grants", Resource: "role"},
	{Codename: PermRoleAssign, Name: "Assign roles to users", Resource: "role"},
	{Codename: PermAuditView, Name: "View audit events", Resource: "audit"},
	{Codename: PermAgentLink, Name: "Link agent profiles", Resource: "agent"},
	{Codename: PermAgentManage, Name: "Manage agent profiles", Resource: "agent"},
}

// IsAdmin allows staff identities only.
func IsAdmin(actor *Identity) bool {
	return actor != nil && actor.IsStaff
}

// IsOwnerOrAdmin allows staff identities or the identity itself.
func IsOwnerOrAdmin(actor *Identity, ownerID string) bool {
	if IsAdmin(actor) {
		return true
	}
	return actor != nil && ownerID != "" && actor.ID == ownerID
}
