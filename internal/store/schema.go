package store

import "strings"

// Portable DDL: the same statements run on SQLite and Postgres.
const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    audience TEXT,
    start_date BIGINT,
    end_date BIGINT,
    created_by TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_experiments_created_by ON experiments(created_by);

CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES experiments(id),
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    allocation DOUBLE PRECISION NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    config TEXT
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id, position);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES experiments(id),
    variant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    assigned_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_test_user ON assignments(test_id, user_id);
CREATE INDEX IF NOT EXISTS idx_assignments_variant ON assignments(test_id, variant_id);

CREATE TABLE IF NOT EXISTS conversions (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES experiments(id),
    variant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    value DOUBLE PRECISION,
    metadata TEXT,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversions_variant_user ON conversions(test_id, variant_id, user_id);
`

func splitStatements(ddl string) []string {
	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
