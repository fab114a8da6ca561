package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
)

// Structure is one known page shape.
type Structure struct {
	Fingerprint string `json:"fingerprint"`
	Label       string `json:"label"`
	HitCount    int64  `json:"hit_count"`
	FirstSeen   int64  `json:"first_seen"` // unix ms
	LastSeen    int64  `json:"last_seen"`  // unix ms
	ExampleURL  string `json:"example_url"`
}

// Observation is the result of Observe. Err is set when the catalog could not
// be updated; Fingerprint is always populated.
type Observation struct {
	Fingerprint string     `json:"fingerprint"`
	IsNew       bool       `json:"is_new"`
	Record      *Structure `json:"record,omitempty"`
	Err         error      `json:"-"`
}

// Stats summarises the catalog for dashboards.
type Stats struct {
	DistinctStructures int64        `json:"distinct_structures"`
	TotalObservations  int64        `json:"total_observations"`
	Top                []*Structure `json:"top"`
}

// Catalog is the durable map of known page shapes. Safe for concurrent use:
// hit counts are incremented in a single upsert statement.
type Catalog struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CatalogOption { return func(c *Catalog) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CatalogOption { return func(c *Catalog) { c.logger = l } }

// NewCatalog creates a Catalog over db (schema already applied).
func NewCatalog(db *sql.DB, opts ...CatalogOption) *Catalog {
	c := &Catalog{db: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

const upsertStructure = `
INSERT INTO structures (fingerprint, label, hit_count, first_seen, last_seen, example_url)
VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
    hit_count = hit_count + 1,
    last_seen = MAX(last_seen, excluded.last_seen)
RETURNING fingerprint, label, hit_count, first_seen, last_seen, example_url`

// Observe records one sighting of fp. It never fails the caller: a catalog
// error is logged and attached to the Observation, IsNew stays false.
// The Empty fingerprint is counted but never reported as new.
func (c *Catalog) Observe(ctx context.Context, fp, label, url string) Observation {
	if fp == "" {
		fp = Empty
	}
	if label == "" {
		label = MinimalLabel
	}
	now := c.now().UnixMilli()

	var rec Structure
	err := dbopen.RunTx(ctx, c.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, upsertStructure, fp, label, now, now, url).Scan(
			&rec.Fingerprint, &rec.Label, &rec.HitCount, &rec.FirstSeen, &rec.LastSeen, &rec.ExampleURL)
	})
	if err != nil {
		c.logger.Warn("fingerprint: catalog unavailable, structure not tracked",
			"fingerprint", fp, "url", url, "error", err)
		return Observation{Fingerprint: fp, Err: fmt.Errorf("fingerprint: observe: %w", err)}
	}

	isNew := rec.HitCount == 1 && fp != Empty
	if isNew {
		c.logger.Warn("fingerprint: new page structure", "fingerprint", fp, "label", label, "url", url)
	}
	return Observation{Fingerprint: fp, IsNew: isNew, Record: &rec}
}

// Get returns the structure for fp, or nil.
func (c *Catalog) Get(ctx context.Context, fp string) (*Structure, error) {
	var s Structure
	err := c.db.QueryRowContext(ctx, `SELECT fingerprint, label, hit_count, first_seen, last_seen, example_url
		FROM structures WHERE fingerprint = ?`, fp).Scan(
		&s.Fingerprint, &s.Label, &s.HitCount, &s.FirstSeen, &s.LastSeen, &s.ExampleURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint: get: %w", err)
	}
	return &s, nil
}

// Top returns the n most observed structures.
func (c *Catalog) Top(ctx context.Context, n int) ([]*Structure, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := c.db.QueryContext(ctx, `SELECT fingerprint, label, hit_count, first_seen, last_seen, example_url
		FROM structures ORDER BY hit_count DESC, fingerprint ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: top: %w", err)
	}
	defer rows.Close()

	var out []*Structure
	for rows.Next() {
		var s Structure
		if err := rows.Scan(&s.Fingerprint, &s.Label, &s.HitCount, &s.FirstSeen, &s.LastSeen, &s.ExampleURL); err != nil {
			return nil, fmt.Errorf("fingerprint: scan: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Stats returns distinct structures, total observations and the top n.
func (c *Catalog) Stats(ctx context.Context, top int) (*Stats, error) {
	var s Stats
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM structures`).Scan(
		&s.DistinctStructures, &s.TotalObservations); err != nil {
		return nil, fmt.Errorf("fingerprint: stats: %w", err)
	}
	t, err := c.Top(ctx, top)
	if err != nil {
		return nil, err
	}
	s.Top = t
	return &s, nil
}
