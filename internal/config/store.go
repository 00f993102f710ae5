package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/spigot/internal/model"
)

// Dialect identifies the SQL database backing a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Store persists administrators, sessions and lockout counters. SQLite is the
// default; PostgreSQL and MySQL are supported for shared deployments.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewStore creates a SQLite-backed store in dataDir. Pass empty string for
// in-memory.
func NewStore(dataDir string) (*Store, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"

	var dsn string
	if dataDir == "" {
		dsn = ":memory:?" + pragmas
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "spigot.db") + "?_pragma=journal_mode(WAL)&" + pragmas
	}
	return Open(string(DialectSQLite), dsn)
}

// Open connects to the database identified by driver ("sqlite", "postgres"
// or "mysql") and dsn, then applies migrations.
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	dialect := Dialect(strings.ToLower(driver))
	switch dialect {
	case DialectSQLite:
		db, err = sqlx.Connect("sqlite", dsn)
	case DialectPostgres:
		db, err = sqlx.Connect("pgx", dsn)
	case DialectMySQL:
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
		db, err = sqlx.Connect("mysql", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", dialect, err)
	}
	return s, nil
}

// mysqlDSN forces the options the store relies on: DATETIME columns scanned
// into time.Time, in UTC.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Dialect returns the SQL dialect of the underlying database.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the dialect's bindvar style.
func (s *Store) rebind(q string) string {
	return s.db.Rebind(q)
}

// insertID runs a named INSERT and returns the generated id. PostgreSQL does
// not support LastInsertId, so it uses RETURNING instead.
func (s *Store) insertID(ctx context.Context, q string, arg interface{}) (int64, error) {
	if s.dialect == DialectPostgres {
		query, args, err := sqlx.Named(q+" RETURNING id", arg)
		if err != nil {
			return 0, err
		}
		var id int64
		if err := s.db.QueryRowxContext(ctx, s.rebind(query), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	result, err := s.db.NamedExecContext(ctx, q, arg)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// isUniqueViolation reports whether err is a unique-constraint failure in any
// of the supported dialects.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expectOne maps a zero RowsAffected result to ErrNotFound.
func expectOne(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// utc normalizes a timestamp for storage. Microsecond precision is the
// finest all three dialects keep.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ---------------------------------------------------------------------------
// Admin CRUD
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert. A clash on username or
// email returns ErrDuplicate.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := utc(time.Now())
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins
		(username, email, password_hash, name, role, is_active, created_at, updated_at)
		VALUES
		(:username, :email, :password_hash, :name, :role, :is_active, :created_at, :updated_at)`

	id, err := s.insertID(ctx, q, admin)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert admin: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

func (s *Store) getAdmin(ctx context.Context, what, q string, args ...interface{}) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, s.rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by %s: %w", what, err)
	}
	return &admin, nil
}

// GetAdmin returns an admin by ID.
func (s *Store) GetAdmin(ctx context.Context, id int64) (*model.Admin, error) {
	return s.getAdmin(ctx, "id", "SELECT * FROM admins WHERE id = ?", id)
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	return s.getAdmin(ctx, "email", "SELECT * FROM admins WHERE email = ?", email)
}

// GetAdminByUsername returns an admin by username.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	return s.getAdmin(ctx, "username", "SELECT * FROM admins WHERE username = ?", username)
}

// GetAdminByIdentity resolves a login identity, which may be either the
// username or the email address.
func (s *Store) GetAdminByIdentity(ctx context.Context, identity string) (*model.Admin, error) {
	return s.getAdmin(ctx, "identity",
		"SELECT * FROM admins WHERE username = ? OR email = ? ORDER BY id LIMIT 1", identity, identity)
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	admins := []model.Admin{}
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY username"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// CountAdmins returns the number of admin accounts, active or not.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

// HasAnyAdmin reports whether at least one admin account exists. This is used
// for first-run detection to allow bootstrap registration.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	n, err := s.CountAdmins(ctx)
	return n > 0, err
}

// CountActiveAdminsWithRole returns how many active admins hold role.
func (s *Store) CountActiveAdminsWithRole(ctx context.Context, role model.Role) (int, error) {
	var count int
	q := s.rebind("SELECT COUNT(*) FROM admins WHERE role = ? AND is_active = ?")
	if err := s.db.GetContext(ctx, &count, q, role, true); err != nil {
		return 0, fmt.Errorf("count admins by role: %w", err)
	}
	return count, nil
}

// UpdateAdmin writes the mutable profile fields of admin: email, name, role
// and active flag.
func (s *Store) UpdateAdmin(ctx context.Context, admin *model.Admin) error {
	admin.UpdatedAt = utc(time.Now())

	const q = `UPDATE admins SET
		email = :email, name = :name, role = :role, is_active = :is_active, updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, admin)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update admin: %w", ErrDuplicate)
		}
		return fmt.Errorf("update admin: %w", err)
	}
	return expectOne(result, "update admin")
}

// UpdateAdminPassword replaces the stored password hash.
func (s *Store) UpdateAdminPassword(ctx context.Context, id int64, hash string) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE admins SET password_hash = ?, updated_at = ? WHERE id = ?"),
		hash, utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	return expectOne(result, "update admin password")
}

// UpdateAdminLastLogin sets the last_login_at timestamp for an admin.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64, at time.Time) error {
	at = utc(at)
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?"), at, at, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return expectOne(result, "update admin last login")
}

// DeleteAdmin removes an admin account. Its sessions are removed by the
// foreign key cascade.
func (s *Store) DeleteAdmin(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM admins WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}
	return expectOne(result, "delete admin")
}

// HashToken returns the SHA-256 hex digest of a bearer token. Only digests
// are persisted.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
