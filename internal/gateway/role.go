package gateway

import (
	"net/http"

	"tenantgate/pkg/problems"
)

// RequireRole admits only principals holding one of roles. It must run
// behind Middleware, which attaches the principal.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || !HasAnyRole(p, roles) {
				problems.Write(w, problems.Reject(problems.Forbidden, "role_missing", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyRole reports whether p holds one of required. An empty list admits anyone.
func HasAnyRole(p Principal, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if r != "" && p.Role == r {
			return true
		}
	}
	return false
}
