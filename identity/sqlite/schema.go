package sqlite

// schema is applied once at startup. It is intentionally a single string
// rather than an embedded migrations/ directory tree (contrast the
// teacher's migrations package, migrations/migrations.go) because this
// store owns exactly one schema version; there is no multi-tenant
// migration history to track (spec.md non-goals: single instance per
// registrar identity per chain).
const schema = `
CREATE TABLE IF NOT EXISTS identities (
	chain               TEXT NOT NULL,
	address             TEXT NOT NULL,
	identity_hex        TEXT NOT NULL DEFAULT '',
	is_fully_verified   INTEGER NOT NULL DEFAULT 0,
	judgement_submitted INTEGER NOT NULL DEFAULT 0,
	revision            INTEGER NOT NULL DEFAULT 0,
	inserted_at         TEXT NOT NULL,
	completed_at        TEXT,
	PRIMARY KEY (chain, address)
);

CREATE TABLE IF NOT EXISTS fields (
	chain                  TEXT NOT NULL,
	address                TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	value                  TEXT NOT NULL,
	challenge_type         TEXT NOT NULL,
	challenge_token        TEXT NOT NULL DEFAULT '',
	challenge_second_token TEXT NOT NULL DEFAULT '',
	state                  TEXT NOT NULL,
	failed_attempts        INTEGER NOT NULL DEFAULT 0,
	verified_at            TEXT,
	PRIMARY KEY (chain, address, kind),
	FOREIGN KEY (chain, address) REFERENCES identities(chain, address) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS notifications (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	chain      TEXT NOT NULL,
	address    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	at         TEXT NOT NULL,
	field_kind TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_identity ON notifications(chain, address, seq);

CREATE TABLE IF NOT EXISTS processed_messages (
	adapter TEXT NOT NULL,
	msg_id  TEXT NOT NULL,
	at      TEXT NOT NULL,
	PRIMARY KEY (adapter, msg_id)
);

CREATE TABLE IF NOT EXISTS adapter_cursors (
	adapter TEXT PRIMARY KEY,
	msg_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	at      TEXT NOT NULL,
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	chain   TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	detail  TEXT NOT NULL DEFAULT ''
);
`
