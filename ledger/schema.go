package ledger

import "database/sql"

// Schema is the append-only attempts table. Rows are never updated.
const Schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id               TEXT PRIMARY KEY,
    url              TEXT NOT NULL,
    account_id       TEXT NOT NULL DEFAULT '',
    source_id        TEXT NOT NULL DEFAULT '',
    job_id           TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL CHECK(status IN ('success','failed','skipped')),
    skip_reason      TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT '',
    error_category   TEXT NOT NULL DEFAULT '',
    summary_json     TEXT NOT NULL DEFAULT '{}',
    content_hash     TEXT NOT NULL DEFAULT '',
    content_changed  INTEGER NOT NULL DEFAULT 0,
    keys_count       INTEGER NOT NULL DEFAULT 0,
    keys_sample      TEXT NOT NULL DEFAULT '[]',
    fingerprint      TEXT NOT NULL DEFAULT '',
    label            TEXT NOT NULL DEFAULT '',
    cache_ref        TEXT NOT NULL DEFAULT '',
    trigger_kind     TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_url ON attempts(url, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_account ON attempts(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_category ON attempts(error_category, created_at);
`

// ApplySchema creates the attempts table.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
