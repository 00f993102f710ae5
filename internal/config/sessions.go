package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/spigot/internal/model"
)

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession inserts a session row. The caller supplies the ID and all
// timestamps.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	sess.CreatedAt = utc(sess.CreatedAt)
	sess.LastActivityAt = utc(sess.LastActivityAt)
	sess.ExpiresAt = utc(sess.ExpiresAt)
	if sess.RefreshExpiresAt != nil {
		t := utc(*sess.RefreshExpiresAt)
		sess.RefreshExpiresAt = &t
	}

	const q = `INSERT INTO sessions
		(id, owner_id, access_token_hash, refresh_token_hash, origin_address, user_agent,
		 created_at, last_activity_at, expires_at, refresh_expires_at)
		VALUES
		(:id, :owner_id, :access_token_hash, :refresh_token_hash, :origin_address, :user_agent,
		 :created_at, :last_activity_at, :expires_at, :refresh_expires_at)`

	if _, err := s.db.NamedExecContext(ctx, q, sess); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert session: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID regardless of expiry.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	if err := s.db.GetContext(ctx, &sess, s.rebind("SELECT * FROM sessions WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// GetLiveSessionByAccessHash returns the session whose access hash matches
// and whose access side has not expired at now.
func (s *Store) GetLiveSessionByAccessHash(ctx context.Context, hash string, now time.Time) (*model.Session, error) {
	var sess model.Session
	q := s.rebind("SELECT * FROM sessions WHERE access_token_hash = ? AND expires_at > ?")
	if err := s.db.GetContext(ctx, &sess, q, hash, utc(now)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session by access hash: %w", err)
	}
	return &sess, nil
}

// RotateParams describes a compare-and-swap of a session's token hashes.
type RotateParams struct {
	OwnerID          int64
	OldRefreshHash   string
	NewAccessHash    string
	NewRefreshHash   string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Now              time.Time
}

// RotateSession atomically replaces both token hashes on the session that
// currently holds OldRefreshHash. The update only matches while the refresh
// side is unexpired, so of two concurrent rotations with the same refresh
// token exactly one succeeds; the other gets ErrNotFound.
func (s *Store) RotateSession(ctx context.Context, p RotateParams) (*model.Session, error) {
	now := utc(p.Now)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rotate session: begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.GetContext(ctx, &id, tx.Rebind(
		"SELECT id FROM sessions WHERE refresh_token_hash = ? AND owner_id = ?"),
		p.OldRefreshHash, p.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rotate session: lookup: %w", err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET
			access_token_hash = ?, refresh_token_hash = ?, expires_at = ?, refresh_expires_at = ?,
			last_activity_at = ?
		WHERE id = ? AND refresh_token_hash = ? AND refresh_expires_at > ?`),
		p.NewAccessHash, p.NewRefreshHash, utc(p.ExpiresAt), utc(p.RefreshExpiresAt),
		now, id, p.OldRefreshHash, now)
	if err != nil {
		return nil, fmt.Errorf("rotate session: update: %w", err)
	}
	if err := expectOne(result, "rotate session"); err != nil {
		return nil, err
	}

	var sess model.Session
	if err := tx.GetContext(ctx, &sess, tx.Rebind("SELECT * FROM sessions WHERE id = ?"), id); err != nil {
		return nil, fmt.Errorf("rotate session: reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rotate session: commit: %w", err)
	}
	return &sess, nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE sessions SET last_activity_at = ? WHERE id = ?"), utc(at), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return expectOne(result, "touch session")
}

// DeleteSession removes a session by ID.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM sessions WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectOne(result, "delete session")
}

// DeleteOwnedSession removes a session only if it belongs to ownerID.
func (s *Store) DeleteOwnedSession(ctx context.Context, ownerID int64, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM sessions WHERE id = ? AND owner_id = ?"), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete owned session: %w", err)
	}
	return expectOne(result, "delete owned session")
}

// DeleteSessionsByOwner removes every session of ownerID except exceptID
// (pass "" to remove all). It returns the number of rows removed.
func (s *Store) DeleteSessionsByOwner(ctx context.Context, ownerID int64, exceptID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM sessions WHERE owner_id = ? AND id <> ?"), ownerID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions by owner: %w", err)
	}
	return result.RowsAffected()
}

// ListSessionsByOwner returns the sessions of ownerID, newest first.
func (s *Store) ListSessionsByOwner(ctx context.Context, ownerID int64) ([]model.Session, error) {
	sessions := []model.Session{}
	q := s.rebind("SELECT * FROM sessions WHERE owner_id = ? ORDER BY created_at DESC")
	if err := s.db.SelectContext(ctx, &sessions, q, ownerID); err != nil {
		return nil, fmt.Errorf("list sessions by owner: %w", err)
	}
	return sessions, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	if err := s.db.SelectContext(ctx, &sessions, "SELECT * FROM sessions ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteDeadSessions removes sessions that can no longer be used at all: the
// access side has expired and the refresh side is absent or expired.
func (s *Store) DeleteDeadSessions(ctx context.Context, now time.Time) (int64, error) {
	now = utc(now)
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions
		WHERE expires_at <= ? AND (refresh_expires_at IS NULL OR refresh_expires_at <= ?)`), now, now)
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions: %w", err)
	}
	return result.RowsAffected()
}
