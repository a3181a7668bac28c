package sqldb

import "strings"

// schema is applied statement by statement on open. {{pk}} is the
// auto-incrementing primary key type for the dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id {{pk}},
		username TEXT NOT NULL,
		username_key TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT '',
		joined_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS aliases (
		normalized_name TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		member_id BIGINT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		is_current INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS aliases_member_id ON aliases (member_id)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id {{pk}},
		member_id BIGINT NOT NULL DEFAULT 0,
		username TEXT NOT NULL,
		username_key TEXT NOT NULL,
		taken_at BIGINT NOT NULL,
		total_xp BIGINT NOT NULL DEFAULT 0,
		total_boss_kills BIGINT NOT NULL DEFAULT 0,
		ehp DOUBLE PRECISION NOT NULL DEFAULT 0,
		ehb DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (username_key, taken_at)
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_member_id ON snapshots (member_id, taken_at)`,
	`CREATE TABLE IF NOT EXISTS snapshot_categories (
		snapshot_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		score BIGINT NOT NULL,
		category_rank BIGINT NOT NULL,
		PRIMARY KEY (snapshot_id, kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		author_key TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_source_created ON messages (source, created_at)`,
	`CREATE INDEX IF NOT EXISTS messages_author_key ON messages (author_key)`,
}

func primaryKeyType(driver string) string {
	if driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY"
}

func schemaStatements(driver string) []string {
	stmts := make([]string, len(schema))
	for i, stmt := range schema {
		stmts[i] = strings.ReplaceAll(stmt, "{{pk}}", primaryKeyType(driver))
	}
	return stmts
}
