package store

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Dialect captures the SQL differences between the supported engines
type Dialect struct {
	name string
}

var (
	// Postgres is the lib/pq dialect
	Postgres = Dialect{name: "postgres"}
	// SQLite is the go-sqlite3 dialect
	SQLite = Dialect{name: "sqlite3"}
)

// DialectFor returns the dialect for a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Name returns the database/sql driver name
func (d Dialect) Name() string { return d.name }

// Placeholder returns the n-th (1-based) bind parameter
func (d Dialect) Placeholder(n int) string {
	if d.name == Postgres.name {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// ILike is the case-insensitive LIKE operator. SQLite LIKE already ignores
// ASCII case.
func (d Dialect) ILike() string {
	if d.name == Postgres.name {
		return "ILIKE"
	}
	return "LIKE"
}

// True is the boolean true literal
func (d Dialect) True() string {
	if d.name == Postgres.name {
		return "TRUE"
	}
	return "1"
}

// TableExistsQuery returns a query taking one table name parameter and
// yielding a single count
func (d Dialect) TableExistsQuery() string {
	if d.name == Postgres.name {
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1"
	}
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

// anyOf renders an IN-style membership test on column starting at bind
// parameter n. Postgres binds a single array.
func (d Dialect) anyOf(column string, n int, values []string) (string, []any) {
	if d.name == Postgres.name {
		return fmt.Sprintf("%s = ANY(%s)", column, d.Placeholder(n)), []any{pq.Array(values)}
	}
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = d.Placeholder(n + i)
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")), args
}

// Schema returns the DDL statements creating the audit tables
func (d Dialect) Schema() []string {
	if d.name == Postgres.name {
		return postgresSchema
	}
	return sqliteSchema
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		source_system VARCHAR(100) NOT NULL DEFAULT '',
		chain_id VARCHAR(100) NOT NULL,
		actor_id VARCHAR(255) NOT NULL CHECK (actor_id <> ''),
		actor_name VARCHAR(255) NOT NULL DEFAULT '',
		actor_roles JSONB,
		module_key VARCHAR(100) NOT NULL CHECK (module_key <> ''),
		module_name VARCHAR(255) NOT NULL DEFAULT '',
		action_code VARCHAR(255) NOT NULL DEFAULT '',
		operation_code VARCHAR(255) NOT NULL DEFAULT '',
		operation_name VARCHAR(255) NOT NULL DEFAULT '',
		operation_kind VARCHAR(20) NOT NULL CHECK (operation_kind <> ''),
		result VARCHAR(20) NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		change_request_ref VARCHAR(255) NOT NULL DEFAULT '',
		client_ip VARCHAR(45) NOT NULL DEFAULT '',
		client_agent TEXT NOT NULL DEFAULT '',
		request_uri TEXT NOT NULL DEFAULT '',
		http_method VARCHAR(10) NOT NULL DEFAULT '',
		metadata JSONB,
		extra_attributes JSONB,
		details JSONB,
		signature VARCHAR(64) NOT NULL DEFAULT '',
		previous_signature_ref VARCHAR(64) NOT NULL DEFAULT '',
		encrypted_payload BYTEA,
		payload_iv BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_occurred_at ON audit_records(occurred_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_chain ON audit_records(chain_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_actor ON audit_records(actor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_module ON audit_records(module_key, operation_kind)`,
	`CREATE TABLE IF NOT EXISTS audit_targets (
		record_id BIGINT NOT NULL REFERENCES audit_records(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		table_name VARCHAR(255) NOT NULL,
		target_id VARCHAR(255) NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (record_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_targets_lookup ON audit_targets(table_name, target_id)`,
	`CREATE TABLE IF NOT EXISTS audit_operation_mappings (
		id BIGSERIAL PRIMARY KEY,
		url_pattern TEXT NOT NULL,
		http_method VARCHAR(10) NOT NULL DEFAULT '',
		status_code_regex VARCHAR(255) NOT NULL DEFAULT '',
		module_name VARCHAR(255) NOT NULL DEFAULT '',
		operation_group VARCHAR(255) NOT NULL DEFAULT '',
		group_display_name VARCHAR(255) NOT NULL DEFAULT '',
		operation_type VARCHAR(20) NOT NULL DEFAULT '',
		description_template TEXT NOT NULL DEFAULT '',
		source_table_template VARCHAR(255) NOT NULL DEFAULT '',
		order_value INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at DATETIME NOT NULL,
		source_system TEXT NOT NULL DEFAULT '',
		chain_id TEXT NOT NULL,
		actor_id TEXT NOT NULL CHECK (actor_id <> ''),
		actor_name TEXT NOT NULL DEFAULT '',
		actor_roles TEXT,
		module_key TEXT NOT NULL CHECK (module_key <> ''),
		module_name TEXT NOT NULL DEFAULT '',
		action_code TEXT NOT NULL DEFAULT '',
		operation_code TEXT NOT NULL DEFAULT '',
		operation_name TEXT NOT NULL DEFAULT '',
		operation_kind TEXT NOT NULL CHECK (operation_kind <> ''),
		result TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		change_request_ref TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		client_agent TEXT NOT NULL DEFAULT '',
		request_uri TEXT NOT NULL DEFAULT '',
		http_method TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		extra_attributes TEXT,
		details TEXT,
		signature TEXT NOT NULL DEFAULT '',
		previous_signature_ref TEXT NOT NULL DEFAULT '',
		encrypted_payload BLOB,
		payload_iv BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_occurred_at ON audit_records(occurred_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_chain ON audit_records(chain_id, id)`,
	`CREATE TABLE IF NOT EXISTS audit_targets (
		record_id INTEGER NOT NULL REFERENCES audit_records(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		target_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (record_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_targets_lookup ON audit_targets(table_name, target_id)`,
	`CREATE TABLE IF NOT EXISTS audit_operation_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url_pattern TEXT NOT NULL,
		http_method TEXT NOT NULL DEFAULT '',
		status_code_regex TEXT NOT NULL DEFAULT '',
		module_name TEXT NOT NULL DEFAULT '',
		operation_group TEXT NOT NULL DEFAULT '',
		group_display_name TEXT NOT NULL DEFAULT '',
		operation_type TEXT NOT NULL DEFAULT '',
		description_template TEXT NOT NULL DEFAULT '',
		source_table_template TEXT NOT NULL DEFAULT '',
		order_value INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT 1
	)`,
}

// escapeLike escapes LIKE wildcards so s matches literally. Queries pair it
// with ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func containsPattern(s string) string {
	return "%" + escapeLike(s) + "%"
}
