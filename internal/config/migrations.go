package config

import (
	"fmt"
	"strings"
)

// columnTypes holds the per-dialect spelling of the column types used by the
// schema below.
var columnTypes = map[Dialect]*strings.Replacer{
	DialectSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bigint}}", "INTEGER",
		"{{str}}", "TEXT",
		"{{text}}", "TEXT",
		"{{ts}}", "DATETIME",
		"{{bool}}", "INTEGER",
		"{{ifne}}", "IF NOT EXISTS ",
	),
	DialectPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{bigint}}", "BIGINT",
		"{{str}}", "VARCHAR(255)",
		"{{text}}", "TEXT",
		"{{ts}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
		"{{ifne}}", "IF NOT EXISTS ",
	),
	DialectMySQL: strings.NewReplacer(
		"{{id}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
		"{{bigint}}", "BIGINT",
		"{{str}}", "VARCHAR(255)",
		"{{text}}", "TEXT",
		"{{ts}}", "DATETIME(6)",
		"{{bool}}", "BOOLEAN",
		"{{ifne}}", "",
	),
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS admins (
		id {{id}},
		username {{str}} NOT NULL UNIQUE,
		email {{str}} NOT NULL UNIQUE,
		password_hash {{str}} NOT NULL,
		name {{str}} NOT NULL DEFAULT '',
		role {{str}} NOT NULL DEFAULT 'viewer',
		is_active {{bool}} NOT NULL DEFAULT 1,
		last_login_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id {{str}} NOT NULL PRIMARY KEY,
		owner_id {{bigint}} NOT NULL,
		access_token_hash {{str}} NOT NULL UNIQUE,
		refresh_token_hash {{str}} NULL UNIQUE,
		origin_address {{str}} NOT NULL DEFAULT '',
		user_agent {{text}} NOT NULL,
		created_at {{ts}} NOT NULL,
		last_activity_at {{ts}} NOT NULL,
		expires_at {{ts}} NOT NULL,
		refresh_expires_at {{ts}} NULL,
		FOREIGN KEY (owner_id) REFERENCES admins(id) ON DELETE CASCADE
	)`,

	`CREATE INDEX {{ifne}}idx_sessions_owner ON sessions(owner_id)`,
	`CREATE INDEX {{ifne}}idx_sessions_expires ON sessions(expires_at)`,

	`CREATE TABLE IF NOT EXISTS lockouts (
		key_kind {{str}} NOT NULL,
		key_value {{str}} NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		locked_until {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		PRIMARY KEY (key_kind, key_value)
	)`,
}

func (s *Store) migrate() error {
	types := columnTypes[s.dialect]
	for _, m := range migrations {
		stmt := types.Replace(m)
		if s.dialect == DialectPostgres {
			// BOOLEAN columns reject integer defaults.
			stmt = strings.Replace(stmt, "NOT NULL DEFAULT 1", "NOT NULL DEFAULT TRUE", 1)
		}
		if _, err := s.db.Exec(stmt); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; an existing index is a no-op.
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
