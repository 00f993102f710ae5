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
// Lockouts
// ---------------------------------------------------------------------------

// IncrementFailure atomically adds one failed attempt to the record for
// (kind, key), creating it on first failure. When the count reaches
// threshold on an unlocked record, locked_until is set to now+lockFor. The
// updated record is returned.
func (s *Store) IncrementFailure(ctx context.Context, kind model.LockoutKind, key string, threshold int, lockFor time.Duration, now time.Time) (*model.LockoutRecord, error) {
	now = utc(now)

	upsert := `INSERT INTO lockouts (key_kind, key_value, failure_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (key_kind, key_value) DO UPDATE
		SET failure_count = lockouts.failure_count + 1, updated_at = excluded.updated_at`
	if s.dialect == DialectMySQL {
		upsert = `INSERT INTO lockouts (key_kind, key_value, failure_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON DUPLICATE KEY UPDATE failure_count = failure_count + 1, updated_at = VALUES(updated_at)`
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("increment failure: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(upsert), kind, key, now, now); err != nil {
		return nil, fmt.Errorf("increment failure: upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE lockouts SET locked_until = ?
		WHERE key_kind = ? AND key_value = ? AND failure_count >= ? AND locked_until IS NULL`),
		utc(now.Add(lockFor)), kind, key, threshold); err != nil {
		return nil, fmt.Errorf("increment failure: lock: %w", err)
	}

	var rec model.LockoutRecord
	if err := tx.GetContext(ctx, &rec, tx.Rebind(
		"SELECT * FROM lockouts WHERE key_kind = ? AND key_value = ?"), kind, key); err != nil {
		return nil, fmt.Errorf("increment failure: reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("increment failure: commit: %w", err)
	}
	return &rec, nil
}

// GetLockout returns the record for (kind, key).
func (s *Store) GetLockout(ctx context.Context, kind model.LockoutKind, key string) (*model.LockoutRecord, error) {
	var rec model.LockoutRecord
	q := s.rebind("SELECT * FROM lockouts WHERE key_kind = ? AND key_value = ?")
	if err := s.db.GetContext(ctx, &rec, q, kind, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lockout: %w", err)
	}
	return &rec, nil
}

// DeleteLockout removes the record for (kind, key).
func (s *Store) DeleteLockout(ctx context.Context, kind model.LockoutKind, key string) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM lockouts WHERE key_kind = ? AND key_value = ?"), kind, key)
	if err != nil {
		return fmt.Errorf("delete lockout: %w", err)
	}
	return expectOne(result, "delete lockout")
}

// DeleteLockoutIfExpired removes the record for (kind, key) only if its lock
// has lapsed at now. It reports whether a row was removed.
func (s *Store) DeleteLockoutIfExpired(ctx context.Context, kind model.LockoutKind, key string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM lockouts
		WHERE key_kind = ? AND key_value = ? AND locked_until IS NOT NULL AND locked_until <= ?`),
		kind, key, utc(now))
	if err != nil {
		return false, fmt.Errorf("delete expired lockout: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ListLockouts returns every lockout record, most recently updated first.
func (s *Store) ListLockouts(ctx context.Context) ([]model.LockoutRecord, error) {
	records := []model.LockoutRecord{}
	if err := s.db.SelectContext(ctx, &records, "SELECT * FROM lockouts ORDER BY updated_at DESC"); err != nil {
		return nil, fmt.Errorf("list lockouts: %w", err)
	}
	return records, nil
}

// DeleteExpiredLockouts removes every record whose lock has lapsed at now.
// Unlocked records keep their count until a successful login clears them.
func (s *Store) DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM lockouts WHERE locked_until IS NOT NULL AND locked_until <= ?"), utc(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired lockouts: %w", err)
	}
	return result.RowsAffected()
}
