package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sunkingbms/backend-main/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/google",
	"/v1/auth/refresh",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		identity, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission authorizes the request's identity for a permission under
// a scope. Staff identities pass every check. Writes the error response and
// returns false when the caller must stop.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, codename, scope string) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if auth.IsAdmin(identity) {
		return true
	}
	allowed, err := a.rbac.HasPermission(r.Context(), identity.ID, codename, scope)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission check failed")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// ensureSelfOrPermission lets an identity act on its own record, otherwise
// falls back to the permission check.
func (a *API) ensureSelfOrPermission(w http.ResponseWriter, r *http.Request, ownerID, codename, scope string) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if auth.IsOwnerOrAdmin(identity, ownerID) {
		return true
	}
	return a.ensurePermission(w, r, codename, scope)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
