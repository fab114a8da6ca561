package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/source"
)

// Store is the SQLite Writer and the query side of the ledger.
type Store struct {
	db *sql.DB
}

// NewStore wraps db. The schema must already be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert implements Writer.
func (s *Store) Insert(ctx context.Context, a *Attempt) error {
	summary, err := json.Marshal(a.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if a.Summary == nil {
		summary = []byte("{}")
	}
	sample, err := json.Marshal(a.KeysSample)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	if a.KeysSample == nil {
		sample = []byte("[]")
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO attempts (id, url, account_id, source_id, job_id, status, skip_reason,
			duration_ms, error_message, error_category, summary_json, content_hash,
			content_changed, keys_count, keys_sample, fingerprint, label, cache_ref,
			trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.URL, a.AccountID, a.SourceID, a.JobID, string(a.Status), a.SkipReason,
		a.DurationMs, a.Error, string(a.ErrorCategory), string(summary), a.ContentHash,
		boolInt(a.ContentChanged), a.KeysCount, string(sample), a.Fingerprint, a.Label, a.CacheRef,
		string(a.Trigger), a.CreatedAt)
	return err
}

// Filter selects attempts. Zero fields are ignored.
type Filter struct {
	URL       string
	AccountID string
	Status    Status
	Category  errclass.Category
	Since     time.Time
	Limit     int // default 100
}

// Query returns attempts matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Attempt, error) {
	var where []string
	var args []any
	if f.URL != "" {
		where = append(where, "url = ?")
		args = append(args, f.URL)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "error_category = ?")
		args = append(args, string(f.Category))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	q := `SELECT id, url, account_id, source_id, job_id, status, skip_reason, duration_ms,
		error_message, error_category, summary_json, content_hash, content_changed,
		keys_count, keys_sample, fingerprint, label, cache_ref, trigger_kind, created_at
		FROM attempts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		var status, category, summary, sample, trigger string
		var changed int
		if err := rows.Scan(&a.ID, &a.URL, &a.AccountID, &a.SourceID, &a.JobID, &status,
			&a.SkipReason, &a.DurationMs, &a.Error, &category, &summary, &a.ContentHash,
			&changed, &a.KeysCount, &sample, &a.Fingerprint, &a.Label, &a.CacheRef,
			&trigger, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		a.Status = Status(status)
		a.ErrorCategory = errclass.Category(category)
		a.Trigger = source.Trigger(trigger)
		a.ContentChanged = changed == 1
		if err := json.Unmarshal([]byte(summary), &a.Summary); err != nil {
			return nil, fmt.Errorf("ledger: summary of %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(sample), &a.KeysSample); err != nil {
			return nil, fmt.Errorf("ledger: keys of %s: %w", a.ID, err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CategoryCounts returns the number of failed attempts per error category
// since the given time (zero means all time).
func (s *Store) CategoryCounts(ctx context.Context, since time.Time) (map[errclass.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_category, COUNT(*) FROM attempts
		WHERE status = 'failed' AND created_at >= ?
		GROUP BY error_category`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger: category counts: %w", err)
	}
	defer rows.Close()

	out := make(map[errclass.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		if cat == "" {
			cat = string(errclass.Unknown)
		}
		out[errclass.Category(cat)] += n
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
