// Package contentcache stores fetched payloads keyed by source URL together
// with the validators needed for conditional re-fetches.
//
// The cache answers one question for its callers: is a network request
// needed, and if so with which conditional headers. It never performs the
// request itself, and it does not call the fingerprinter or the ledger;
// the page processor composes those.
//
// On top of HTTP validators the cache short-circuits on content hash: a full
// response whose bytes match the current version refreshes the validators but
// persists no new payload and creates no new version.
package contentcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/idgen"
	"github.com/hazyhaar/sourcesync/source"
)

// ErrNoRecord is returned when an operation needs a current record and the
// key has none.
var ErrNoRecord = errors.New("contentcache: no current record")

// Record is one cached version of a page.
type Record struct {
	ID          string            `json:"id"`
	Key         source.Key        `json:"key"`
	Version     int               `json:"version"`
	PayloadRef  string            `json:"payload_ref"`
	Size        int64             `json:"size"`
	ContentHash string            `json:"content_hash"`
	Validators  source.Validators `json:"validators"`
	CapturedAt  int64             `json:"captured_at"` // unix ms
	Manual      bool              `json:"manual"`
	Current     bool              `json:"current"`
	CreatedAt   int64             `json:"created_at"`
}

// Decision is the answer to ShouldRefetch.
type Decision struct {
	RefetchNeeded bool
	// Conditional holds If-None-Match / If-Modified-Since when the current
	// record has validators. Empty otherwise.
	Conditional http.Header
	Current     *Record
}

// StoreRequest is the input of Store.
type StoreRequest struct {
	Key        source.Key
	Payload    []byte
	Validators source.Validators
	Manual     bool
	// CapturedAt is when the fetch was issued. It orders concurrent writers:
	// a request older than the current record is rejected as stale.
	// Zero means now.
	CapturedAt time.Time
}

// StoreResult is the outcome of Store.
type StoreResult struct {
	Record *Record
	// Changed is true when a new version was written.
	Changed bool
	// Stale is true when a newer record already existed; Record is that
	// newer record and nothing was written.
	Stale bool
}

// Stats are aggregate counters for dashboards.
type Stats struct {
	Records       int   `json:"records"`
	CurrentPages  int   `json:"current_pages"`
	ManualRecords int   `json:"manual_records"`
	CurrentBytes  int64 `json:"current_bytes"`
}

// Cache is the content cache. Safe for concurrent use.
type Cache struct {
	db     *sql.DB
	blobs  BlobStore
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithIDGenerator sets the record ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(c *Cache) { c.newID = gen } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New creates a Cache over db (schema already applied) and blobs.
func New(db *sql.DB, blobs BlobStore, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		blobs:  blobs,
		newID:  idgen.Prefixed("cache_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HashPayload returns the hex SHA-256 of payload.
func HashPayload(payload []byte) string {
	h := sha256.Sum256(payload)
	return fmt.Sprintf("%x", h)
}

// ShouldRefetch reports whether key must be fetched. known are validators the
// caller already holds for the live page (from a HEAD request or a feed
// header); when they equal the stored ones no request is needed. Lookup
// errors are returned as errors, never as "refetch needed".
func (c *Cache) ShouldRefetch(ctx context.Context, key source.Key, known source.Validators) (Decision, error) {
	cur, err := c.Current(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("contentcache: lookup %s: %w", key.URL, err)
	}
	if cur == nil {
		return Decision{RefetchNeeded: true, Conditional: http.Header{}}, nil
	}
	if !known.Empty() && !cur.Validators.Empty() && known == cur.Validators {
		return Decision{RefetchNeeded: false, Conditional: http.Header{}, Current: cur}, nil
	}
	return Decision{RefetchNeeded: true, Conditional: cur.Validators.Headers(), Current: cur}, nil
}

// Store records a fetched or manually supplied payload.
func (c *Cache) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if req.Key.URL == "" {
		return nil, errors.New("contentcache: store: empty url")
	}
	captured := req.CapturedAt
	if captured.IsZero() {
		captured = c.now()
	}
	capturedMs := captured.UnixMilli()
	hash := HashPayload(req.Payload)

	var res *StoreResult
	err := dbopen.RunTx(ctx, c.db, func(tx *sql.Tx) error {
		cur, err := currentTx(ctx, tx, req.Key)
		if err != nil {
			return err
		}

		if cur != nil && cur.CapturedAt > capturedMs {
			res = &StoreResult{Record: cur, Stale: true}
			return nil
		}

		if cur != nil && cur.ContentHash == hash {
			if _, err := tx.ExecContext(ctx,
				`UPDATE cache_records SET etag = ?, last_modified = ?, captured_at = ?
				WHERE id = ?`,
				req.Validators.ETag, req.Validators.LastModified, capturedMs, cur.ID); err != nil {
				return fmt.Errorf("refresh validators: %w", err)
			}
			cur.Validators = req.Validators
			cur.CapturedAt = capturedMs
			res = &StoreResult{Record: cur}
			return nil
		}

		ref, err := c.blobs.Put(ctx, hash, req.Payload)
		if err != nil {
			return err
		}

		version := 1
		if cur != nil {
			version = cur.Version + 1
			if _, err := tx.ExecContext(ctx,
				`UPDATE cache_records SET is_current = 0 WHERE id = ?`, cur.ID); err != nil {
				return fmt.Errorf("demote current: %w", err)
			}
		}

		rec := &Record{
			ID:          c.newID(),
			Key:         req.Key,
			Version:     version,
			PayloadRef:  ref,
			Size:        int64(len(req.Payload)),
			ContentHash: hash,
			Validators:  req.Validators,
			CapturedAt:  capturedMs,
			Manual:      req.Manual,
			Current:     true,
			CreatedAt:   c.now().UnixMilli(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_records (id, url, secondary_key, version, payload_ref,
			content_size, content_hash, etag, last_modified, captured_at, is_manual,
			is_current, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			rec.ID, rec.Key.URL, rec.Key.Secondary, rec.Version, rec.PayloadRef,
			rec.Size, rec.ContentHash, rec.Validators.ETag, rec.Validators.LastModified,
			rec.CapturedAt, rec.Manual, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		res = &StoreResult{Record: rec, Changed: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentcache: store %s: %w", req.Key.URL, err)
	}

	if res.Stale {
		c.logger.Debug("contentcache: stale write ignored", "url", req.Key.URL,
			"captured_at", capturedMs, "current_captured_at", res.Record.CapturedAt)
	}
	return res, nil
}

// MarkNotModified refreshes the current record after a 304 reply. Validators
// the reply omitted are kept.
func (c *Cache) MarkNotModified(ctx context.Context, key source.Key, v source.Validators, at time.Time) (*Record, error) {
	if at.IsZero() {
		at = c.now()
	}
	var rec *Record
	err := dbopen.RunTx(ctx, c.db, func(tx *sql.Tx) error {
		cur, err := currentTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNoRecord
		}
		if v.ETag != "" {
			cur.Validators.ETag = v.ETag
		}
		if v.LastModified != "" {
			cur.Validators.LastModified = v.LastModified
		}
		if ms := at.UnixMilli(); ms > cur.CapturedAt {
			cur.CapturedAt = ms
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE cache_records SET etag = ?, last_modified = ?, captured_at = ? WHERE id = ?`,
			cur.Validators.ETag, cur.Validators.LastModified, cur.CapturedAt, cur.ID)
		rec = cur
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("contentcache: not-modified %s: %w", key.URL, err)
	}
	return rec, nil
}

// Current returns the current record for key, or nil.
func (c *Cache) Current(ctx context.Context, key source.Key) (*Record, error) {
	row := c.db.QueryRowContext(ctx, selectRecord+` WHERE url = ? AND secondary_key = ? AND is_current = 1`,
		key.URL, key.Secondary)
	return scanRecord(row)
}

// History returns every version for key, newest first.
func (c *Cache) History(ctx context.Context, key source.Key, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, selectRecord+` WHERE url = ? AND secondary_key = ?
		ORDER BY version DESC LIMIT ?`, key.URL, key.Secondary, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Load reads the payload bytes of rec.
func (c *Cache) Load(ctx context.Context, rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, ErrNoRecord
	}
	return c.blobs.Get(ctx, rec.PayloadRef)
}

// Stats returns aggregate counters.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(is_current), 0),
		COALESCE(SUM(is_manual), 0),
		COALESCE(SUM(CASE WHEN is_current = 1 THEN content_size ELSE 0 END), 0)
		FROM cache_records`).Scan(&s.Records, &s.CurrentPages, &s.ManualRecords, &s.CurrentBytes)
	if err != nil {
		return nil, fmt.Errorf("contentcache: stats: %w", err)
	}
	return &s, nil
}

const selectRecord = `SELECT id, url, secondary_key, version, payload_ref, content_size,
	content_hash, etag, last_modified, captured_at, is_manual, is_current, created_at
	FROM cache_records`

func currentTx(ctx context.Context, tx *sql.Tx, key source.Key) (*Record, error) {
	row := tx.QueryRowContext(ctx, selectRecord+` WHERE url = ? AND secondary_key = ? AND is_current = 1`,
		key.URL, key.Secondary)
	return scanRecord(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var manual, current int
	err := s.Scan(&r.ID, &r.Key.URL, &r.Key.Secondary, &r.Version, &r.PayloadRef, &r.Size,
		&r.ContentHash, &r.Validators.ETag, &r.Validators.LastModified, &r.CapturedAt,
		&manual, &current, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache record: %w", err)
	}
	r.Manual = manual != 0
	r.Current = current != 0
	return &r, nil
}
