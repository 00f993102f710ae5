package middleware

import (
	"log/slog"
	"net/http"

	"github.com/faucetdb/spigot/internal/authz"
)

// Require returns a middleware allowing the request only if the principal's
// role grants act on obj. It must run after Authenticate.
func Require(enforcer *authz.Enforcer, obj, act string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeError(w, http.StatusUnauthorized, "Authentication required",
					map[string]interface{}{"action": "login"})
				return
			}

			allowed, err := enforcer.Can(principal.Role, obj, act)
			if err != nil {
				logger.Error("authorization check", "error", err)
				writeError(w, http.StatusInternalServerError, "Internal server error", nil)
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "Insufficient privileges", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
