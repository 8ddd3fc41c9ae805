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

CREATE TABLE IF NOT EXISTS replies (
	id               TEXT PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	reply_message_id TEXT NOT NULL,
	recipient        TEXT NOT NULL,
	subject          TEXT NOT NULL DEFAULT '',
	sent_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replies_sent_at ON replies(sent_at);
CREATE INDEX IF NOT EXISTS idx_replies_conversation ON replies(conversation_key);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE replies ADD COLUMN folder TEXT NOT NULL DEFAULT '';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
