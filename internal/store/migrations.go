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

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	provider_id         TEXT NOT NULL DEFAULT '',
	internet_message_id TEXT NOT NULL DEFAULT '',
	conversation_id     TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT 'draft',
	sent_at             DATETIME,
	reminder_interval_sec INTEGER NOT NULL DEFAULT 0,
	max_reminders       INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS recipients (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	address          TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	reply_status     TEXT NOT NULL DEFAULT 'pending',
	rsvp_status      TEXT NOT NULL DEFAULT 'none',
	reply_changed_at DATETIME,
	rsvp_changed_at  DATETIME,
	reminder_count   INTEGER NOT NULL DEFAULT 0,
	last_reminder_at DATETIME,
	escalated        INTEGER NOT NULL DEFAULT 0,
	UNIQUE(message_id, address)
);

CREATE TABLE IF NOT EXISTS events (
	key        TEXT PRIMARY KEY,
	resource   TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	recipient  TEXT NOT NULL DEFAULT '',
	ts         DATETIME NOT NULL,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
	resource        TEXT PRIMARY KEY,
	delta_token     TEXT NOT NULL DEFAULT '',
	subscription_id TEXT NOT NULL DEFAULT '',
	expires_at      DATETIME,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
	dedup_key       TEXT PRIMARY KEY,
	id              TEXT NOT NULL,
	kind            TEXT NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	recipient       TEXT NOT NULL DEFAULT '',
	params          TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_internet_id ON messages(internet_message_id);
CREATE INDEX IF NOT EXISTS idx_recipients_message ON recipients(message_id);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		// Rule evaluation inputs are persisted with the event so
		// message-level events can be replayed through the rules engine
		// after a crash between event application and intent recording.
		version: 2,
		sql: `
ALTER TABLE events ADD COLUMN provider_message_id TEXT NOT NULL DEFAULT '';
ALTER TABLE events ADD COLUMN from_addr TEXT NOT NULL DEFAULT '';
ALTER TABLE events ADD COLUMN subject TEXT NOT NULL DEFAULT '';
ALTER TABLE events ADD COLUMN attachments TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_events_type_applied ON events(type, applied_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
