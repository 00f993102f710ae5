package service

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrWeakSecret            = errors.New("password does not meet the strength policy")
	ErrDuplicateIdentity     = errors.New("username is already taken")
	ErrDuplicateEmail        = errors.New("email is already registered")
	ErrRegistrationForbidden = errors.New("registration requires an authorized administrator")
	ErrInvalidRole           = errors.New("unknown role")
	ErrInvalidInput          = errors.New("username and email are required")

	ErrTokenMissing   = errors.New("missing bearer token")
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")

	// ErrRefreshReplayed reports a refresh token that no longer resolves to a
	// session. It matches ErrTokenRevoked so callers render both the same way.
	ErrRefreshReplayed = fmt.Errorf("%w: refresh token already used", ErrTokenRevoked)

	ErrCSRFMismatch    = errors.New("missing or invalid CSRF token")
	ErrForbidden       = errors.New("insufficient privileges")
	ErrSelfTarget      = errors.New("cannot delete or deactivate your own account")
	ErrLastSuperAdmin  = errors.New("cannot remove the last active super admin")
	ErrAdminNotFound   = errors.New("admin not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrLockoutNotFound = errors.New("lockout not found")
)

// Action hints returned with 401 responses.
const (
	ActionLogin   = "login"
	ActionRefresh = "refresh_token"
)

// ActionFor maps a Gatekeeper error to the hint telling the client whether to
// log in again or to try its refresh token.
func ActionFor(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenRevoked):
		return ActionRefresh
	default:
		return ActionLogin
	}
}

// LockedError is returned while a lockout is in force.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: try again in %d minute(s)", ErrAccountLocked, e.RetryMinutes())
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryMinutes is the remaining lock time rounded up to whole minutes.
func (e *LockedError) RetryMinutes() int {
	m := int(math.Ceil(e.RetryAfter.Minutes()))
	if m < 1 {
		m = 1
	}
	return m
}

// WeakSecretError lists the strength rules a password failed.
type WeakSecretError struct {
	Unmet []string
}

func (e *WeakSecretError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakSecret, strings.Join(e.Unmet, ", "))
}

func (e *WeakSecretError) Unwrap() error { return ErrWeakSecret }
