package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/faucetdb/spigot/internal/config"
	"github.com/faucetdb/spigot/internal/metrics"
	"github.com/faucetdb/spigot/internal/model"
)

// SessionRegistry is the revocation source of truth: a token authorizes
// requests only while a live session row holds its hash.
type SessionRegistry struct {
	store *config.Store
	opts  options
}

// NewSessionRegistry returns a registry over store.
func NewSessionRegistry(store *config.Store, opts ...Option) *SessionRegistry {
	return &SessionRegistry{store: store, opts: buildOptions(opts)}
}

// Create records a new session binding both token hashes of pair to ownerID.
func (r *SessionRegistry) Create(ctx context.Context, ownerID int64, pair *TokenPair, origin, userAgent string) (*model.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	now := r.opts.now()
	refreshHash := config.HashToken(pair.RefreshToken)
	refreshExp := pair.RefreshExpiresAt
	sess := &model.Session{
		ID:               id.String(),
		OwnerID:          ownerID,
		AccessTokenHash:  config.HashToken(pair.AccessToken),
		RefreshTokenHash: &refreshHash,
		OriginAddress:    origin,
		UserAgent:        truncate(userAgent, 512),
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: &refreshExp,
	}

	ctx, cancel := r.opts.bound(ctx)
	defer cancel()
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Lookup returns the live session for accessToken, or ErrTokenRevoked when no
// unexpired row holds its hash.
func (r *SessionRegistry) Lookup(ctx context.Context, accessToken string) (*model.Session, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	sess, err := r.store.GetLiveSessionByAccessHash(ctx, config.HashToken(accessToken), r.opts.now())
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return sess, nil
}

// Touch records activity on a session.
func (r *SessionRegistry) Touch(ctx context.Context, id string) error {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	if err := r.store.TouchSession(ctx, id, r.opts.now()); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrTokenRevoked
		}
		return err
	}
	return nil
}

// Rotate swaps the hashes of the session holding oldRefresh for those of
// pair. If no live row holds oldRefresh, the token was already rotated away
// or never issued, and ErrRefreshReplayed is returned.
func (r *SessionRegistry) Rotate(ctx context.Context, ownerID int64, oldRefresh string, pair *TokenPair) (*model.Session, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	oldHash := config.HashToken(oldRefresh)
	sess, err := r.store.RotateSession(ctx, config.RotateParams{
		OwnerID:          ownerID,
		OldRefreshHash:   oldHash,
		NewAccessHash:    config.HashToken(pair.AccessToken),
		NewRefreshHash:   config.HashToken(pair.RefreshToken),
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Now:              r.opts.now(),
	})
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			r.opts.logger.Warn("refresh token did not resolve to a session",
				"owner_id", ownerID, "refresh_hash", shortHash(oldHash))
			return nil, ErrRefreshReplayed
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return sess, nil
}

// Revoke deletes a session by ID.
func (r *SessionRegistry) Revoke(ctx context.Context, id string) error {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	if err := r.store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	metrics.SessionsRevoked.Inc()
	r.opts.logger.Info("session revoked", "session_id", id)
	return nil
}

// RevokeOwned deletes a session only if it belongs to ownerID. Sessions of
// other principals report ErrSessionNotFound.
func (r *SessionRegistry) RevokeOwned(ctx context.Context, ownerID int64, id string) error {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	if err := r.store.DeleteOwnedSession(ctx, ownerID, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	metrics.SessionsRevoked.Inc()
	r.opts.logger.Info("session revoked", "session_id", id, "owner_id", ownerID)
	return nil
}

// RevokeAll deletes every session of ownerID except exceptID. Pass "" to
// delete all of them.
func (r *SessionRegistry) RevokeAll(ctx context.Context, ownerID int64, exceptID string) (int64, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()

	n, err := r.store.DeleteSessionsByOwner(ctx, ownerID, exceptID)
	if err != nil {
		return 0, err
	}
	metrics.SessionsRevoked.Add(float64(n))
	r.opts.logger.Info("sessions revoked", "owner_id", ownerID, "count", n)
	return n, nil
}

// ListByOwner returns the sessions of ownerID.
func (r *SessionRegistry) ListByOwner(ctx context.Context, ownerID int64) ([]model.Session, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()
	return r.store.ListSessionsByOwner(ctx, ownerID)
}

// List returns every session.
func (r *SessionRegistry) List(ctx context.Context) ([]model.Session, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()
	return r.store.ListSessions(ctx)
}

// Sweep deletes sessions whose access and refresh sides have both expired.
func (r *SessionRegistry) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := r.opts.bound(ctx)
	defer cancel()
	return r.store.DeleteDeadSessions(ctx, r.opts.now())
}

// truncate returns valid UTF-8 of at most n bytes, cut on a rune boundary.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
