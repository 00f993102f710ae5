package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/faucetdb/spigot/internal/cache"
)

// DefaultCSRFTTL is the lifetime of a CSRF lease.
const DefaultCSRFTTL = time.Hour

type csrfLease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CSRFManager issues one anti-forgery token per principal and validates it
// on mutating requests.
type CSRFManager struct {
	cache *cache.Store
	ttl   time.Duration
	opts  options
}

// NewCSRFManager returns a manager keeping leases in c.
func NewCSRFManager(c *cache.Store, ttl time.Duration, opts ...Option) *CSRFManager {
	if ttl <= 0 {
		ttl = DefaultCSRFTTL
	}
	return &CSRFManager{cache: c, ttl: ttl, opts: buildOptions(opts)}
}

func csrfKey(principalID int64) string {
	return "csrf:" + strconv.FormatInt(principalID, 10)
}

// IssueOrReuse returns the principal's current token, minting a new lease
// when none exists or the old one has expired.
func (m *CSRFManager) IssueOrReuse(ctx context.Context, principalID int64) (string, error) {
	now := m.opts.now()
	if lease, ok := m.current(principalID, now); ok {
		return lease.Token, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	lease := csrfLease{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.cache.Set(csrfKey(principalID), lease, m.ttl); err != nil {
		return "", fmt.Errorf("store csrf lease: %w", err)
	}
	return lease.Token, nil
}

// Validate reports whether presented equals the principal's live token.
func (m *CSRFManager) Validate(ctx context.Context, principalID int64, presented string) bool {
	if presented == "" {
		return false
	}
	lease, ok := m.current(principalID, m.opts.now())
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(lease.Token), []byte(presented)) == 1
}

// Revoke drops the principal's lease.
func (m *CSRFManager) Revoke(ctx context.Context, principalID int64) error {
	return m.cache.Delete(csrfKey(principalID))
}

func (m *CSRFManager) current(principalID int64, now time.Time) (csrfLease, bool) {
	var lease csrfLease
	if err := m.cache.Get(csrfKey(principalID), &lease); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			m.opts.logger.Warn("read csrf lease", "principal_id", principalID, "error", err)
		}
		return csrfLease{}, false
	}
	if !now.Before(lease.ExpiresAt) {
		return csrfLease{}, false
	}
	return lease, true
}
