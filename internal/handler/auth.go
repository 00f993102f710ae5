package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/faucetdb/spigot/internal/model"
	"github.com/faucetdb/spigot/internal/server/middleware"
	"github.com/faucetdb/spigot/internal/service"
)

// AuthHandler serves login, registration, rotation and logout.
type AuthHandler struct {
	auth   *service.Authenticator
	csrf   *service.CSRFManager
	logger *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.Authenticator, csrf *service.CSRFManager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, csrf: csrf, logger: logger}
}

type loginRequest struct {
	Identity string `json:"identity" validate:"required,max=254"`
	Secret   string `json:"secret" validate:"required,max=1024"`
}

type registerRequest struct {
	Identity string `json:"identity" validate:"required,max=254"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Secret   string `json:"secret" validate:"required,max=1024"`
	Name     string `json:"name" validate:"max=255"`
	Role     string `json:"role" validate:"omitempty,oneof=viewer editor admin super_admin"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	PrincipalID  int64  `json:"principalId" validate:"required,gt=0"`
}

// sessionResponse carries a freshly issued token pair.
type sessionResponse struct {
	Principal *model.Admin `json:"principal,omitempty"`
	*service.TokenPair
	TokenType string `json:"tokenType"`
	CSRFToken string `json:"csrfToken,omitempty"`
}

// Login authenticates an administrator and opens a session.
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), service.LoginInput{
		Identity:  req.Identity,
		Secret:    req.Secret,
		Origin:    middleware.ClientOrigin(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, res, true)
}

// Register creates an administrator. The first registration on an empty
// store becomes super_admin and is signed in; afterwards the caller must be
// authenticated and may only grant roles up to its own.
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	res, err := h.auth.Register(r.Context(), middleware.GetPrincipal(r.Context()), service.RegisterInput{
		AdminInput: service.AdminInput{
			Identity: req.Identity,
			Email:    req.Email,
			Secret:   req.Secret,
			Name:     req.Name,
			Role:     model.Role(req.Role),
		},
		Origin:    middleware.ClientOrigin(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if res.Tokens == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"principal": res.Admin})
		return
	}
	h.writeSession(w, r, http.StatusOK, res, true)
}

// Refresh rotates a refresh token into a new pair. Every failure, replay
// included, is a 401 telling the client to log in again.
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	res, err := h.auth.Refresh(r.Context(), service.RefreshInput{
		RefreshToken: req.RefreshToken,
		PrincipalID:  req.PrincipalID,
	})
	if err != nil {
		if isTokenError(err) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token", map[string]interface{}{
				"action": service.ActionLogin,
			})
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, res, false)
}

// Logout revokes the session behind the presented access token.
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if err := h.auth.Logout(r.Context(), p); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session revoked",
	})
}

// CSRFToken returns the principal's current anti-forgery token.
// GET /auth/csrf
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	token, err := h.csrf.IssueOrReuse(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set(middleware.CSRFHeader, token)
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, r *http.Request, status int, res *service.LoginResult, withPrincipal bool) {
	resp := sessionResponse{TokenPair: res.Tokens, TokenType: "bearer"}
	if withPrincipal {
		resp.Principal = res.Admin
	}

	token, err := h.csrf.IssueOrReuse(r.Context(), res.Admin.ID)
	if err != nil {
		// The tokens are already issued; the client can fetch a lease later.
		h.logger.Warn("issue csrf token", "admin_id", res.Admin.ID, "error", err)
	} else {
		resp.CSRFToken = token
		w.Header().Set(middleware.CSRFHeader, token)
	}
	writeJSON(w, status, resp)
}

func isTokenError(err error) bool {
	return errors.Is(err, service.ErrTokenMalformed) ||
		errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrTokenRevoked)
}
