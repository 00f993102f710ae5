package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/model"
)

// AdminInput describes a new administrator.
type AdminInput struct {
	Identity string
	Email    string
	Secret   string
	Name     string
	Role     model.Role
}

// AdminUpdate holds the operator-editable fields of an administrator. Nil
// fields are left unchanged.
type AdminUpdate struct {
	Role     *model.Role
	IsActive *bool
}

// ProfileUpdate holds the fields a principal may change on its own account.
type ProfileUpdate struct {
	Name  *string
	Email *string
}

// AdminService manages administrator accounts. Methods taking a caller
// enforce rank rules against it; a nil caller is the local operator (CLI or
// stdio MCP) and is only bound by the last-super-admin rule.
type AdminService struct {
	store    *config.Store
	sessions *SessionRegistry
	opts     options
}

// NewAdminService returns an AdminService.
func NewAdminService(store *config.Store, sessions *SessionRegistry, opts ...Option) *AdminService {
	return &AdminService{store: store, sessions: sessions, opts: buildOptions(opts)}
}

// Create adds an administrator on behalf of caller.
func (s *AdminService) Create(ctx context.Context, caller *Principal, in AdminInput) (*model.Admin, error) {
	role := in.Role
	if role == "" {
		role = model.RoleViewer
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := checkGrant(caller, role); err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	return createAdmin(ctx, s.store, s.opts, in, role)
}

// List returns every administrator.
func (s *AdminService) List(ctx context.Context) ([]model.Admin, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	return s.store.ListAdmins(ctx)
}

// Get returns one administrator.
func (s *AdminService) Get(ctx context.Context, id int64) (*model.Admin, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	admin, err := s.store.GetAdmin(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return admin, nil
}

// Lookup resolves an administrator by username or email.
func (s *AdminService) Lookup(ctx context.Context, identity string) (*model.Admin, error) {
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	admin, err := s.store.GetAdminByIdentity(ctx, strings.TrimSpace(identity))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return admin, nil
}

// Update changes the role or active flag of administrator id. Deactivation
// revokes every session of the target.
func (s *AdminService) Update(ctx context.Context, caller *Principal, id int64, upd AdminUpdate) (*model.Admin, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkManage(caller, target); err != nil {
		return nil, err
	}

	wasActiveSuper := target.Role == model.RoleSuperAdmin && target.IsActive

	if upd.Role != nil && *upd.Role != target.Role {
		if !upd.Role.Valid() {
			return nil, ErrInvalidRole
		}
		if err := checkGrant(caller, *upd.Role); err != nil {
			return nil, err
		}
		target.Role = *upd.Role
	}

	deactivating := false
	if upd.IsActive != nil && *upd.IsActive != target.IsActive {
		if !*upd.IsActive && caller != nil && caller.ID == target.ID {
			return nil, ErrSelfTarget
		}
		deactivating = !*upd.IsActive
		target.IsActive = *upd.IsActive
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	if wasActiveSuper && (target.Role != model.RoleSuperAdmin || !target.IsActive) {
		if err := s.ensureAnotherSuperAdmin(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateAdmin(ctx, target); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}

	if deactivating {
		if _, err := s.sessions.RevokeAll(ctx, target.ID, ""); err != nil {
			return nil, fmt.Errorf("revoke sessions of deactivated admin: %w", err)
		}
	}
	s.opts.logger.Info("admin updated",
		"admin_id", target.ID, "role", target.Role, "active", target.IsActive, "by", callerID(caller))
	return target, nil
}

// Delete removes administrator id. Its sessions go with it.
func (s *AdminService) Delete(ctx context.Context, caller *Principal, id int64) error {
	if caller != nil && caller.ID == id {
		return ErrSelfTarget
	}
	target, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkManage(caller, target); err != nil {
		return err
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	if target.Role == model.RoleSuperAdmin && target.IsActive {
		if err := s.ensureAnotherSuperAdmin(ctx); err != nil {
			return err
		}
	}
	if err := s.store.DeleteAdmin(ctx, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrAdminNotFound
		}
		return err
	}
	s.opts.logger.Info("admin deleted", "admin_id", id, "by", callerID(caller))
	return nil
}

// UpdateProfile changes the name or email of the principal's own account.
func (s *AdminService) UpdateProfile(ctx context.Context, p *Principal, upd ProfileUpdate) (*model.Admin, error) {
	admin, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	if upd.Name != nil {
		admin.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if email == "" {
			return nil, ErrInvalidInput
		}
		if email != admin.Email {
			other, err := s.store.GetAdminByIdentity(ctx, email)
			switch {
			case err == nil && other.ID != admin.ID:
				return nil, ErrDuplicateEmail
			case err != nil && !errors.Is(err, config.ErrNotFound):
				return nil, err
			}
			admin.Email = email
		}
	}

	if err := s.store.UpdateAdmin(ctx, admin); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return admin, nil
}

// ChangePassword replaces the principal's password after verifying the
// current one, then revokes every other session of the principal. It returns
// the number of sessions revoked.
func (s *AdminService) ChangePassword(ctx context.Context, p *Principal, current, next string) (int64, error) {
	admin, err := s.Get(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	if !CheckPassword(admin.PasswordHash, current) {
		return 0, ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, admin.ID, next); err != nil {
		return 0, err
	}
	return s.sessions.RevokeAll(ctx, admin.ID, p.SessionID)
}

// SetPassword replaces the password of administrator id without verifying
// the old one and revokes all of its sessions. Used by the local operator.
func (s *AdminService) SetPassword(ctx context.Context, id int64, secret string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.setPassword(ctx, id, secret); err != nil {
		return err
	}
	_, err := s.sessions.RevokeAll(ctx, id, "")
	return err
}

func (s *AdminService) setPassword(ctx context.Context, id int64, secret string) error {
	if err := CheckStrength(secret); err != nil {
		return err
	}
	hash, err := HashPassword(secret, s.opts.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	return s.store.UpdateAdminPassword(ctx, id, hash)
}

func (s *AdminService) ensureAnotherSuperAdmin(ctx context.Context) error {
	n, err := s.store.CountActiveAdminsWithRole(ctx, model.RoleSuperAdmin)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastSuperAdmin
	}
	return nil
}

// createAdmin validates in and inserts it with role.
func createAdmin(ctx context.Context, store *config.Store, o options, in AdminInput, role model.Role) (*model.Admin, error) {
	username := strings.TrimSpace(in.Identity)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" {
		return nil, ErrInvalidInput
	}
	if err := CheckStrength(in.Secret); err != nil {
		return nil, err
	}

	// Login accepts either name, so each must be unique across both columns.
	if _, err := store.GetAdminByIdentity(ctx, username); err == nil {
		return nil, ErrDuplicateIdentity
	} else if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	if _, err := store.GetAdminByIdentity(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(in.Secret, o.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	admin := &model.Admin{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Role:         role,
		IsActive:     true,
	}
	if err := store.CreateAdmin(ctx, admin); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}
	o.logger.Info("admin created", "admin_id", admin.ID, "username", admin.Username, "role", admin.Role)
	return admin, nil
}

// checkGrant allows caller to hand out role: it must be an admin or above and
// ranked at least as high as role.
func checkGrant(caller *Principal, role model.Role) error {
	if caller == nil {
		return nil
	}
	if !caller.Role.AtLeast(model.RoleAdmin) || !caller.Role.AtLeast(role) {
		return ErrForbidden
	}
	return nil
}

// checkManage allows caller to modify target when it ranks at least as high.
func checkManage(caller *Principal, target *model.Admin) error {
	if caller == nil {
		return nil
	}
	if !caller.Role.AtLeast(model.RoleAdmin) || !caller.Role.AtLeast(target.Role) {
		return ErrForbidden
	}
	return nil
}

func callerID(caller *Principal) interface{} {
	if caller == nil {
		return "local"
	}
	return caller.ID
}
