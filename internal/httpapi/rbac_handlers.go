package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sunkingbms/backend-main/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	IsActive    *bool   `json:"is_active"`
}

type setGrantsRequest struct {
	Grants []auth.GrantRequest `json:"grants"`
}

type assignRolesRequest struct {
	Assignments []auth.AssignmentRequest `json:"assignments"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRoleView, "") {
			return
		}
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRoleManage, "") {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Code, req.Description, req.Category)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleRole(w, r, roleID)
	case len(parts) == 2 && parts[1] == "grants":
		a.handleRoleGrants(w, r, roleID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRoleView, "") {
			return
		}
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, auth.PermRoleManage, "") {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, auth.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
			Category:    req.Category,
			IsActive:    req.IsActive,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) handleRoleGrants(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRoleView, "") {
			return
		}
		grants, err := a.rbac.RoleGrants(r.Context(), roleID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": grants})
	case http.MethodPut:
		if !a.ensurePermission(w, r, auth.PermRoleManage, "") {
			return
		}
		identity, _ := auth.IdentityFromContext(r.Context())
		var req setGrantsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.SetRoleGrants(r.Context(), roleID, identity.ID, req.Grants); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermRoleView, "") {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

type updateUserRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	IsActive  *bool   `json:"is_active"`
	IsStaff   *bool   `json:"is_staff"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUserView, "") {
		return
	}
	identities, err := a.svc.ListIdentities(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": identities})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleUser(w, r, userID)
		return
	case len(parts) != 2:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "roles":
		a.handleUserRoles(w, r, userID)
	case "permissions":
		a.handleUserPermissions(w, r, userID)
	case "deactivate":
		a.handleUserActivation(w, r, userID, false)
	case "reactivate":
		a.handleUserActivation(w, r, userID, true)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureSelfOrPermission(w, r, userID, auth.PermUserView, "") {
			return
		}
		identity, err := a.svc.Identity(r.Context(), userID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, auth.PermUserManage, "") {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		identity, err := a.svc.UpdateIdentity(r.Context(), userID, auth.IdentityUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			IsActive:  req.IsActive,
			IsStaff:   req.IsStaff,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureSelfOrPermission(w, r, userID, auth.PermUserView, "") {
			return
		}
		assignments, err := a.rbac.UserRoles(r.Context(), userID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
	case http.MethodPut:
		if !a.ensurePermission(w, r, auth.PermRoleAssign, "") {
			return
		}
		identity, _ := auth.IdentityFromContext(r.Context())
		var req assignRolesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignments, err := a.rbac.AssignRoles(r.Context(), userID, identity.ID, req.Assignments)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureSelfOrPermission(w, r, userID, auth.PermUserView, "") {
		return
	}
	set, err := a.rbac.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	items := make([]auth.Grant, 0, len(set))
	for g := range set {
		items = append(items, g)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Codename != items[j].Codename {
			return items[i].Codename < items[j].Codename
		}
		return items[i].Scope < items[j].Scope
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleUserActivation(w http.ResponseWriter, r *http.Request, userID string, active bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUserManage, "") {
		return
	}
	var err error
	if active {
		err = a.svc.Reactivate(r.Context(), userID)
	} else {
		err = a.svc.Deactivate(r.Context(), userID)
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
