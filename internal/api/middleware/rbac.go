package middleware

import (
	"net/http"

	"github.com/good-yellow-bee/blazeguard/internal/api/auth"
)

// RequireRole returns middleware that requires one of the given roles.
// Admin always passes.
func RequireRole(allowedRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := GetRole(r.Context())
			if userRole == "" {
				jsonForbidden(w)
				return
			}
			if userRole == auth.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range allowedRoles {
				if userRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			jsonForbidden(w)
		})
	}
}

// RequireAdmin is shorthand for RequireRole(RoleAdmin).
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(auth.RoleAdmin)(next)
}

// RequireReader lets viewers and admins through.
func RequireReader(next http.Handler) http.Handler {
	return RequireRole(auth.RoleViewer)(next)
}

// RequireHost lets CMS hosts and admins through.
func RequireHost(next http.Handler) http.Handler {
	return RequireRole(auth.RoleHost)(next)
}
