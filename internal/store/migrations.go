package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY CHECK(length(key) > 0),
	value TEXT NOT NULL
);

INSERT OR IGNORE INTO state (key, value) VALUES ('last_history_id', '0');
INSERT OR IGNORE INTO state (key, value) VALUES ('last_digest_ts', '0');

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS drafts (
	message_id TEXT PRIMARY KEY CHECK(length(message_id) > 0),
	text       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY CHECK(length(name) > 0),
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
