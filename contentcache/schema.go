package contentcache

import "database/sql"

// Schema holds every version of every cached page. At most one row per
// (url, secondary_key) has is_current = 1; older versions stay as history.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_records (
    id             TEXT PRIMARY KEY,
    url            TEXT NOT NULL,
    secondary_key  TEXT NOT NULL DEFAULT '',
    version        INTEGER NOT NULL,
    payload_ref    TEXT NOT NULL,
    content_size   INTEGER NOT NULL,
    content_hash   TEXT NOT NULL,
    etag           TEXT NOT NULL DEFAULT '',
    last_modified  TEXT NOT NULL DEFAULT '',
    captured_at    INTEGER NOT NULL,
    is_manual      INTEGER NOT NULL DEFAULT 0,
    is_current     INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cache_current
    ON cache_records(url, secondary_key) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_cache_history
    ON cache_records(url, secondary_key, version DESC);
`

// ApplySchema creates the cache tables and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
