package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/model"
)

// Principal is an authenticated administrator bound to one session.
type Principal struct {
	ID        int64
	Username  string
	Email     string
	Role      model.Role
	SessionID string
	ExpiresAt time.Time
}

// LoginInput is one login attempt.
type LoginInput struct {
	Identity  string
	Secret    string
	Origin    string
	UserAgent string
}

// RegisterInput is a registration request. Origin and UserAgent describe the
// session opened by a bootstrap registration.
type RegisterInput struct {
	AdminInput
	Origin    string
	UserAgent string
}

// RefreshInput is a rotation request.
type RefreshInput struct {
	RefreshToken string
	PrincipalID  int64
}

// LoginResult is the outcome of a successful login or registration. Session
// and Tokens are nil when a privileged caller registered someone else.
type LoginResult struct {
	Admin   *model.Admin
	Session *model.Session
	Tokens  *TokenPair
}

// Authenticator orchestrates login, registration, rotation and per-request
// authorization.
type Authenticator struct {
	store    *config.Store
	codec    *TokenCodec
	sessions *SessionRegistry
	lockout  *LockoutGuard
	opts     options

	// dummyHash is compared against when the identity is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyHash string

	bootstrapMu sync.Mutex
}

// NewAuthenticator wires the authentication components together.
func NewAuthenticator(store *config.Store, codec *TokenCodec, sessions *SessionRegistry, lockout *LockoutGuard, opts ...Option) (*Authenticator, error) {
	o := buildOptions(opts)
	dummy, err := HashPassword("spigot-timing-equalizer", o.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Authenticator{
		store:     store,
		codec:     codec,
		sessions:  sessions,
		lockout:   lockout,
		opts:      o,
		dummyHash: dummy,
	}, nil
}

// Login verifies credentials and opens a session. Locked identities or
// origins are rejected before the credential store is consulted.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if err := a.lockout.CheckAllowed(ctx, in.Identity, in.Origin); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			metrics.Logins.WithLabelValues("locked").Inc()
		} else {
			metrics.Logins.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	admin, err := a.findByIdentity(ctx, in.Identity)
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		metrics.Logins.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("login lookup: %w", err)
	}

	var ok bool
	if admin == nil {
		CheckPassword(a.dummyHash, in.Secret)
	} else {
		ok = CheckPassword(admin.PasswordHash, in.Secret) && admin.IsActive
	}
	if !ok {
		if err := a.lockout.RecordFailure(ctx, in.Identity, in.Origin); err != nil {
			a.opts.logger.Error("record login failure", "error", err)
		}
		metrics.Logins.WithLabelValues("invalid").Inc()
		a.opts.logger.Warn("login failed", "identity", NormalizeIdentity(in.Identity), "origin", in.Origin)
		return nil, ErrInvalidCredentials
	}

	if err := a.lockout.RecordSuccess(ctx, in.Identity, in.Origin); err != nil {
		a.opts.logger.Error("clear lockout after login", "error", err)
	}

	res, err := a.startSession(ctx, admin, in.Origin, in.UserAgent)
	if err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Logins.WithLabelValues("success").Inc()
	a.opts.logger.Info("login succeeded", "admin_id", admin.ID, "session_id", res.Session.ID, "origin", in.Origin)
	return res, nil
}

func (a *Authenticator) findByIdentity(ctx context.Context, identity string) (*model.Admin, error) {
	ctx, cancel := a.opts.bound(ctx)
	defer cancel()

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, config.ErrNotFound
	}
	admin, err := a.store.GetAdminByIdentity(ctx, identity)
	if errors.Is(err, config.ErrNotFound) {
		// Emails are stored lower-cased.
		if lower := strings.ToLower(identity); lower != identity {
			return a.store.GetAdminByIdentity(ctx, lower)
		}
	}
	return admin, err
}

// startSession mints a token pair for admin and records it.
func (a *Authenticator) startSession(ctx context.Context, admin *model.Admin, origin, userAgent string) (*LoginResult, error) {
	pair, err := a.codec.IssuePair(admin.ID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	sess, err := a.sessions.Create(ctx, admin.ID, pair, origin, userAgent)
	if err != nil {
		return nil, err
	}

	now := a.opts.now()
	qctx, cancel := a.opts.bound(ctx)
	defer cancel()
	if err := a.store.UpdateAdminLastLogin(qctx, admin.ID, now); err != nil {
		a.opts.logger.Warn("update last login", "admin_id", admin.ID, "error", err)
	} else {
		admin.LastLoginAt = &now
	}
	return &LoginResult{Admin: admin, Session: sess, Tokens: pair}, nil
}

// Register creates an administrator. With an empty store anyone may register
// and becomes super_admin with a session of its own. Otherwise caller must be
// an admin ranked at or above the requested role, and no session is opened.
func (a *Authenticator) Register(ctx context.Context, caller *Principal, in RegisterInput) (*LoginResult, error) {
	admin, bootstrap, err := a.register(ctx, caller, in)
	if err != nil {
		return nil, err
	}
	if !bootstrap {
		return &LoginResult{Admin: admin}, nil
	}
	a.opts.logger.Info("bootstrap administrator registered", "admin_id", admin.ID)
	return a.startSession(ctx, admin, in.Origin, in.UserAgent)
}

func (a *Authenticator) register(ctx context.Context, caller *Principal, in RegisterInput) (*model.Admin, bool, error) {
	a.bootstrapMu.Lock()
	defer a.bootstrapMu.Unlock()

	ctx, cancel := a.opts.bound(ctx)
	defer cancel()

	n, err := a.store.CountAdmins(ctx)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		admin, err := createAdmin(ctx, a.store, a.opts, in.AdminInput, model.RoleSuperAdmin)
		return admin, true, err
	}

	if caller == nil {
		return nil, false, ErrRegistrationForbidden
	}
	role := in.Role
	if role == "" {
		role = model.RoleViewer
	}
	if !role.Valid() {
		return nil, false, ErrInvalidRole
	}
	if err := checkGrant(caller, role); err != nil {
		return nil, false, ErrRegistrationForbidden
	}
	admin, err := createAdmin(ctx, a.store, a.opts, in.AdminInput, role)
	return admin, false, err
}

// Refresh exchanges a refresh token for a new pair. The session row's hashes
// are swapped in place, so the presented refresh token and the access token
// issued with it stop working. A second use of the same refresh token fails
// with ErrRefreshReplayed.
func (a *Authenticator) Refresh(ctx context.Context, in RefreshInput) (*LoginResult, error) {
	claims, err := a.codec.Verify(in.RefreshToken, PurposeRefresh)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			metrics.Refreshes.WithLabelValues("expired").Inc()
		} else {
			metrics.Refreshes.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}
	subject, _ := claims.SubjectID()
	if subject != in.PrincipalID {
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenMalformed
	}

	admin, err := a.activeAdmin(ctx, subject)
	if err != nil {
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, err
	}

	pair, err := a.codec.IssuePair(subject)
	if err != nil {
		metrics.Refreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	sess, err := a.sessions.Rotate(ctx, subject, in.RefreshToken, pair)
	if err != nil {
		if errors.Is(err, ErrRefreshReplayed) {
			metrics.Refreshes.WithLabelValues("replayed").Inc()
		} else {
			metrics.Refreshes.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.Refreshes.WithLabelValues("success").Inc()
	return &LoginResult{Admin: admin, Session: sess, Tokens: pair}, nil
}

// Authorize resolves the principal behind an access token in two phases:
// first the session registry must hold a live row for the token's hash, then
// the token itself must verify. Every failure is one of ErrTokenMissing,
// ErrTokenMalformed, ErrTokenExpired or ErrTokenRevoked.
func (a *Authenticator) Authorize(ctx context.Context, accessToken string) (*Principal, error) {
	if accessToken == "" {
		return nil, ErrTokenMissing
	}

	sess, err := a.sessions.Lookup(ctx, accessToken)
	if err != nil {
		if !errors.Is(err, ErrTokenRevoked) {
			return nil, err
		}
		if !a.codec.Authentic(accessToken, PurposeAccess) {
			return nil, ErrTokenMalformed
		}
		if _, verr := a.codec.Verify(accessToken, PurposeAccess); errors.Is(verr, ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenRevoked
	}

	claims, err := a.codec.Verify(accessToken, PurposeAccess)
	if err != nil {
		return nil, err
	}
	if subject, _ := claims.SubjectID(); subject != sess.OwnerID {
		return nil, ErrTokenMalformed
	}

	if err := a.sessions.Touch(ctx, sess.ID); err != nil {
		return nil, err
	}

	admin, err := a.activeAdmin(ctx, sess.OwnerID)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			if rerr := a.sessions.Revoke(ctx, sess.ID); rerr != nil && !errors.Is(rerr, ErrSessionNotFound) {
				a.opts.logger.Warn("revoke session of inactive admin", "session_id", sess.ID, "error", rerr)
			}
		}
		return nil, err
	}

	return &Principal{
		ID:        admin.ID,
		Username:  admin.Username,
		Email:     admin.Email,
		Role:      admin.Role,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// activeAdmin loads id, reporting ErrTokenRevoked when the account is gone or
// deactivated.
func (a *Authenticator) activeAdmin(ctx context.Context, id int64) (*model.Admin, error) {
	ctx, cancel := a.opts.bound(ctx)
	defer cancel()

	admin, err := a.store.GetAdmin(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	if !admin.IsActive {
		return nil, ErrTokenRevoked
	}
	return admin, nil
}

// Logout revokes the principal's current session.
func (a *Authenticator) Logout(ctx context.Context, p *Principal) error {
	if err := a.sessions.Revoke(ctx, p.SessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

// RevokeAll revokes every session of the principal, keeping the current one
// unless includeCurrent is set.
func (a *Authenticator) RevokeAll(ctx context.Context, p *Principal, includeCurrent bool) (int64, error) {
	except := p.SessionID
	if includeCurrent {
		except = ""
	}
	return a.sessions.RevokeAll(ctx, p.ID, except)
}
