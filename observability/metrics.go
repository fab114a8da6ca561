// Package observability records sync metrics as a SQLite timeseries.
//
// Recording never blocks the caller on the database: datapoints are buffered
// and flushed in batches, and a full buffer drops new datapoints.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
)

// Metric names recorded for sync runs.
const (
	MetricRuns          = "sync_runs"
	MetricRunDurationMs = "sync_run_duration_ms"
	MetricPages         = "sync_pages"
	MetricPostsFound    = "sync_posts_found"
	MetricNewItems      = "sync_new_items"
)

// Metric is one timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// Config tunes a Recorder.
type Config struct {
	// FlushSize triggers a flush once this many datapoints are buffered. Default: 100.
	FlushSize int
	// MaxBuffered drops datapoints beyond this many pending. Default: 10000.
	MaxBuffered int
	// FlushInterval flushes whatever is pending. Default: 5s.
	FlushInterval time.Duration
}

func (c *Config) defaults() {
	if c.FlushSize <= 0 {
		c.FlushSize = 100
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// Recorder buffers metrics and flushes them to SQLite from one goroutine.
type Recorder struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []*Metric
	dropped int64

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRecorder starts a Recorder. Close flushes and stops it.
func NewRecorder(db *sql.DB, cfg Config, logger *slog.Logger) *Recorder {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:     db,
		cfg:    cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues m. Non-blocking.
func (r *Recorder) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	r.mu.Lock()
	if len(r.buffer) >= r.cfg.MaxBuffered {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.buffer = append(r.buffer, m)
	full := len(r.buffer) >= r.cfg.FlushSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many datapoints were discarded on overflow.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes pending datapoints and stops the flush goroutine.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.kick:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				b, err := json.Marshal(m.Labels)
				if err != nil {
					return err
				}
				labels = sql.NullString{String: string(b), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("observability: flush failed", "metrics", len(batch), "error", err)
	}
}

// Filter selects datapoints. Zero fields are ignored.
type Filter struct {
	Name  string
	Since time.Time
	Until time.Time
	// Labels must all match exactly.
	Labels map[string]string
	Limit  int // default 100
}

// Query returns flushed datapoints, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]*Metric, error) {
	var where []string
	var args []any
	if f.Name != "" {
		where = append(where, "metric_name = ?")
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	keys := make([]string, 0, len(f.Labels))
	for k := range f.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, "json_extract(labels, ?) = ?")
		args = append(args, "$."+k, f.Labels[k])
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, metric_id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			if err := json.Unmarshal([]byte(labels.String), &m.Labels); err != nil {
				return nil, fmt.Errorf("observability: labels: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retention and returns how many.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, r.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?",
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}
