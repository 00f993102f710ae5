package model

import "time"

// LockoutKind says which dimension of a login attempt a lockout record tracks.
type LockoutKind string

const (
	LockoutIdentity LockoutKind = "identity"
	LockoutOrigin   LockoutKind = "origin"
)

// LockoutRecord counts failed login attempts for one identity or one origin
// address.
type LockoutRecord struct {
	Kind         LockoutKind `json:"kind" db:"key_kind"`
	Key          string      `json:"key" db:"key_value"`
	FailureCount int         `json:"failureCount" db:"failure_count"`
	LockedUntil  *time.Time  `json:"lockedUntil,omitempty" db:"locked_until"`
	CreatedAt    time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time   `json:"updatedAt" db:"updated_at"`
}

// Locked reports whether the record blocks attempts at now.
func (r *LockoutRecord) Locked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// Expired reports whether the record was locked and the lock has passed.
func (r *LockoutRecord) Expired(now time.Time) bool {
	return r.LockedUntil != nil && !now.Before(*r.LockedUntil)
}
