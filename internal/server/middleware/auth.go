package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// CSRFHeader carries the anti-forgery token in both directions.
const CSRFHeader = "X-CSRF-Token"

// Gatekeeper authenticates bearer tokens and echoes the principal's CSRF
// token on every authenticated response.
type Gatekeeper struct {
	auth   *service.Authenticator
	csrf   *service.CSRFManager
	logger *slog.Logger
}

// NewGatekeeper returns a Gatekeeper.
func NewGatekeeper(auth *service.Authenticator, csrf *service.CSRFManager, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{auth: auth, csrf: csrf, logger: logger}
}

// Authenticate rejects requests without a valid bearer token with 401 and an
// action hint of "login" or "refresh_token". On success the principal is
// attached to the request context.
func (g *Gatekeeper) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.auth.Authorize(r.Context(), bearerToken(r))
		if err != nil {
			g.reject(w, r, err)
			return
		}
		g.serve(w, r, principal, next)
	})
}

// OptionalAuthenticate attaches a principal when a valid bearer token is
// present and otherwise lets the request through anonymously. A token that
// is present but invalid is still rejected.
func (g *Gatekeeper) OptionalAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := g.auth.Authorize(r.Context(), token)
		if err != nil {
			g.reject(w, r, err)
			return
		}
		g.serve(w, r, principal, next)
	})
}

func (g *Gatekeeper) serve(w http.ResponseWriter, r *http.Request, p *service.Principal, next http.Handler) {
	if token, err := g.csrf.IssueOrReuse(r.Context(), p.ID); err == nil {
		w.Header().Set(CSRFHeader, token)
	} else {
		g.logger.Warn("issue csrf token", "principal_id", p.ID, "error", err)
	}
	ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (g *Gatekeeper) reject(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reason  string
		message string
	)
	switch {
	case errors.Is(err, service.ErrTokenMissing):
		reason, message = "missing", "Authentication required"
	case errors.Is(err, service.ErrTokenExpired):
		reason, message = "expired", "Token expired"
	case errors.Is(err, service.ErrTokenRevoked):
		reason, message = "revoked", "Token revoked"
	case errors.Is(err, service.ErrTokenMalformed):
		reason, message = "malformed", "Invalid token"
	default:
		g.logger.Error("authorize request", "error", err, "request_id", GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	metrics.GatekeeperRejections.WithLabelValues(reason).Inc()
	g.logger.Info("request rejected",
		"reason", reason,
		"path", r.URL.Path,
		"origin", ClientOrigin(r),
		"request_id", GetRequestID(r.Context()))
	writeError(w, http.StatusUnauthorized, message, map[string]interface{}{
		"action": service.ActionFor(err),
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *service.Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *service.Principal) context.Context {
	return context.WithValue(ctx, AuthPrincipalKey, p)
}
