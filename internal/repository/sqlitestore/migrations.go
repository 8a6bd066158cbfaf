package sqlitestore

type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of schema migrations. Append only.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create summaries and messages",
		SQL: `
			CREATE TABLE summaries (
				session_id     TEXT PRIMARY KEY,
				tenant_id      TEXT NOT NULL,
				turn           INTEGER NOT NULL,
				summary        TEXT NOT NULL DEFAULT '',
				facts_ledger   TEXT NOT NULL DEFAULT '{}',
				pending_action TEXT NOT NULL DEFAULT '',
				updated_at     TEXT NOT NULL,
				expires_at     INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE messages (
				session_id  TEXT NOT NULL,
				ts          INTEGER NOT NULL,
				message_id  TEXT NOT NULL,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				expires_at  INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (session_id, ts)
			);
		`,
	},
	{
		Version: 2,
		Name:    "index expiry for sweeps",
		SQL: `
			CREATE INDEX idx_summaries_expires ON summaries (expires_at);
			CREATE INDEX idx_messages_expires ON messages (expires_at);
		`,
	},
}
