package model

import "time"

// Session is the durable record that makes an issued token pair revocable.
// Only SHA-256 hashes of the tokens are persisted.
type Session struct {
	ID               string     `json:"id" db:"id"`
	OwnerID          int64      `json:"ownerId" db:"owner_id"`
	AccessTokenHash  string     `json:"-" db:"access_token_hash"`
	RefreshTokenHash *string    `json:"-" db:"refresh_token_hash"`
	OriginAddress    string     `json:"originAddress" db:"origin_address"`
	UserAgent        string     `json:"userAgent" db:"user_agent"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	LastActivityAt   time.Time  `json:"lastActivityAt" db:"last_activity_at"`
	ExpiresAt        time.Time  `json:"expiresAt" db:"expires_at"`
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty" db:"refresh_expires_at"`
}

// Live reports whether the access side of the session is still usable at now.
func (s *Session) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Refreshable reports whether the refresh side of the session is still usable.
func (s *Session) Refreshable(now time.Time) bool {
	return s.RefreshTokenHash != nil && s.RefreshExpiresAt != nil && now.Before(*s.RefreshExpiresAt)
}
