package middleware

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/service"
)

// CSRFFormField is accepted in place of the header on form posts.
const CSRFFormField = "csrf_token"

// CSRF validates the anti-forgery token on state-changing requests of an
// authenticated principal. It must run after Authenticate. Safe methods and
// anonymous requests pass through.
func CSRF(csrf *service.CSRFManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(CSRFHeader)
			if token == "" && isFormPost(r) {
				token = r.PostFormValue(CSRFFormField)
			}

			if !csrf.Validate(r.Context(), principal.ID, token) {
				metrics.CSRFRejections.Inc()
				logger.Warn("csrf token rejected",
					"principal_id", principal.ID,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()))
				writeError(w, http.StatusForbidden, service.ErrCSRFMismatch.Error(), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isFormPost(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
