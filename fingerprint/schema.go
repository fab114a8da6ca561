package fingerprint

import "database/sql"

// Schema is the structure catalog. Rows are never deleted.
const Schema = `
CREATE TABLE IF NOT EXISTS structures (
    fingerprint  TEXT PRIMARY KEY,
    label        TEXT NOT NULL,
    hit_count    INTEGER NOT NULL DEFAULT 1,
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL,
    example_url  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_structures_hits ON structures(hit_count DESC);
`

// ApplySchema creates the catalog table.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
