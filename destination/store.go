// Package destination is the SQLite item store synchronized items are merged
// into. Merges are idempotent by (account, natural key).
package destination

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/source"
)

// Schema is the items table.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
    account_id   TEXT NOT NULL,
    natural_key  TEXT NOT NULL,
    posted_at    INTEGER NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    body         TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL DEFAULT '',
    merged_at    INTEGER NOT NULL,
    PRIMARY KEY (account_id, natural_key)
);
CREATE INDEX IF NOT EXISTS idx_items_posted ON items(account_id, posted_at DESC);
`

// Store implements source.Destination.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ source.Destination = (*Store)(nil)

// New wraps db. The schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert inserts items not yet present and returns how many were new.
// Re-seeing an item is not an error and does not modify it.
func (s *Store) Upsert(ctx context.Context, accountID string, items []source.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	merged := s.now().UnixMilli()
	inserted := 0
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (account_id, natural_key, posted_at, title, body, url, merged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, natural_key) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			if it.NaturalKey == "" {
				return fmt.Errorf("item without natural key")
			}
			res, err := stmt.ExecContext(ctx, accountID, it.NaturalKey, it.PostedAt.UnixMilli(),
				it.Title, it.Body, it.URL, merged)
			if err != nil {
				return fmt.Errorf("insert %s: %w", it.NaturalKey, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("destination: upsert: %w", err)
	}
	return inserted, nil
}

// Count returns the number of items stored for accountID.
func (s *Store) Count(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("destination: count: %w", err)
	}
	return n, nil
}

// List returns up to limit items for accountID, newest first.
func (s *Store) List(ctx context.Context, accountID string, limit int) ([]source.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT natural_key, posted_at, title, body, url FROM items
		WHERE account_id = ? ORDER BY posted_at DESC, natural_key DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("destination: list: %w", err)
	}
	defer rows.Close()

	var out []source.Item
	for rows.Next() {
		var it source.Item
		var posted int64
		if err := rows.Scan(&it.NaturalKey, &posted, &it.Title, &it.Body, &it.URL); err != nil {
			return nil, fmt.Errorf("destination: scan: %w", err)
		}
		it.PostedAt = time.UnixMilli(posted).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}
