package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/spigot/internal/authz"
	"github.com/faucetdb/spigot/internal/model"
	"github.com/faucetdb/spigot/internal/server/middleware"
	"github.com/faucetdb/spigot/internal/service"
)

// SystemHandler manages the signed-in principal's own account, its sessions,
// and the operator views over administrators, sessions and lockouts.
type SystemHandler struct {
	auth     *service.Authenticator
	admins   *service.AdminService
	sessions *service.SessionRegistry
	lockout  *service.LockoutGuard
	enforcer *authz.Enforcer
	logger   *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(
	auth *service.Authenticator,
	admins *service.AdminService,
	sessions *service.SessionRegistry,
	lockout *service.LockoutGuard,
	enforcer *authz.Enforcer,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		auth:     auth,
		admins:   admins,
		sessions: sessions,
		lockout:  lockout,
		enforcer: enforcer,
		logger:   logger,
	}
}

// ---------------------------------------------------------------------------
// Own account
// ---------------------------------------------------------------------------

type meResponse struct {
	Principal   *model.Admin `json:"principal"`
	SessionID   string       `json:"sessionId"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Permissions []string     `json:"permissions"`
}

// Me returns the signed-in administrator and what its role may do.
// GET /api/v1/system/me
func (h *SystemHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	admin, err := h.admins.Get(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	perms, err := h.enforcer.Permissions(admin.Role)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Principal:   admin,
		SessionID:   p.SessionID,
		ExpiresAt:   p.ExpiresAt,
		Permissions: perms,
	})
}

type profileRequest struct {
	Name  *string `json:"name" validate:"omitempty,max=255"`
	Email *string `json:"email" validate:"omitempty,email,max=254"`
}

// UpdateMe changes the display name or email of the signed-in administrator.
// PUT /api/v1/system/me
func (h *SystemHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	admin, err := h.admins.UpdateProfile(r.Context(), middleware.GetPrincipal(r.Context()), service.ProfileUpdate{
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, admin)
}

type passwordRequest struct {
	CurrentSecret string `json:"currentSecret" validate:"required,max=1024"`
	NewSecret     string `json:"newSecret" validate:"required,max=1024"`
}

// ChangePassword replaces the signed-in administrator's password and revokes
// every other session.
// PUT /api/v1/system/me/password
func (h *SystemHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	n, err := h.admins.ChangePassword(r.Context(), middleware.GetPrincipal(r.Context()), req.CurrentSecret, req.NewSecret)
	if err != nil {
		// The caller is authenticated; a wrong current password must not
		// look like an expired token to the client.
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusForbidden, "Current password is incorrect")
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"revokedSessions": n,
	})
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type sessionView struct {
	model.Session
	Current bool `json:"current"`
}

// ListSessions returns the caller's sessions, or every session with
// ?all=true when the caller may manage sessions.
// GET /api/v1/system/session
func (h *SystemHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())

	var (
		list []model.Session
		err  error
	)
	if queryBool(r, "all") {
		if !h.can(w, r, p, authz.ObjSessions, authz.ActRead) {
			return
		}
		list, err = h.sessions.List(r.Context())
	} else {
		list, err = h.sessions.ListByOwner(r.Context(), p.ID)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	views := make([]sessionView, len(list))
	for i := range list {
		views[i] = sessionView{Session: list[i], Current: list[i].ID == p.SessionID}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: views,
		Meta:     &model.ResponseMeta{Count: len(views)},
	})
}

// RevokeSession revokes one session. Callers may always revoke their own;
// revoking someone else's needs the sessions permission.
// DELETE /api/v1/system/session/{sessionId}
func (h *SystemHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "sessionId")

	err := h.sessions.RevokeOwned(r.Context(), p.ID, id)
	if errors.Is(err, service.ErrSessionNotFound) {
		allowed, cerr := h.enforcer.Can(p.Role, authz.ObjSessions, authz.ActWrite)
		if cerr != nil {
			writeServiceError(w, r, h.logger, cerr)
			return
		}
		if allowed {
			err = h.sessions.Revoke(r.Context(), id)
		}
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

// RevokeSessions revokes all of the caller's sessions except the current one,
// or including it with ?include_current=true.
// DELETE /api/v1/system/session
func (h *SystemHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.auth.RevokeAll(r.Context(), middleware.GetPrincipal(r.Context()), queryBool(r, "include_current"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "revoked": n})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns all admin accounts.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.admins.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: admins,
		Meta:     &model.ResponseMeta{Count: len(admins)},
	})
}

// GetAdmin returns a single admin by ID.
// GET /api/v1/system/admin/{adminId}
func (h *SystemHandler) GetAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "adminId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid admin ID")
		return
	}
	admin, err := h.admins.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, admin)
}

type adminUpdateRequest struct {
	Role     *string `json:"role" validate:"omitempty,oneof=viewer editor admin super_admin"`
	IsActive *bool   `json:"isActive"`
}

// UpdateAdmin changes an administrator's role or active flag.
// PUT /api/v1/system/admin/{adminId}
func (h *SystemHandler) UpdateAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "adminId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid admin ID")
		return
	}
	var req adminUpdateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	upd := service.AdminUpdate{IsActive: req.IsActive}
	if req.Role != nil {
		role := model.Role(*req.Role)
		upd.Role = &role
	}
	admin, err := h.admins.Update(r.Context(), middleware.GetPrincipal(r.Context()), id, upd)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, admin)
}

// DeleteAdmin removes an administrator and, through the cascade, its
// sessions. Deleting yourself is refused.
// DELETE /api/v1/system/admin/{adminId}
func (h *SystemHandler) DeleteAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "adminId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid admin ID")
		return
	}
	if err := h.admins.Delete(r.Context(), middleware.GetPrincipal(r.Context()), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

// ---------------------------------------------------------------------------
// Lockouts
// ---------------------------------------------------------------------------

// ListLockouts returns every failure counter and lock.
// GET /api/v1/system/lockout
func (h *SystemHandler) ListLockouts(w http.ResponseWriter, r *http.Request) {
	records, err := h.lockout.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: records,
		Meta:     &model.ResponseMeta{Count: len(records)},
	})
}

// ClearLockout removes one lockout record.
// DELETE /api/v1/system/lockout/{kind}/{value}
func (h *SystemHandler) ClearLockout(w http.ResponseWriter, r *http.Request) {
	kind := model.LockoutKind(chi.URLParam(r, "kind"))
	if kind != model.LockoutIdentity && kind != model.LockoutOrigin {
		writeError(w, http.StatusBadRequest, "Lockout kind must be identity or origin")
		return
	}
	value, err := url.PathUnescape(chi.URLParam(r, "value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid lockout key")
		return
	}
	if err := h.lockout.Clear(r.Context(), kind, value); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *SystemHandler) can(w http.ResponseWriter, r *http.Request, p *service.Principal, obj, act string) bool {
	allowed, err := h.enforcer.Can(p.Role, obj, act)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "Insufficient privileges")
		return false
	}
	return true
}
