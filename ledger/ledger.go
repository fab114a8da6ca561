// Package ledger is the append-only audit trail of fetch and parse attempts.
//
// Writes are non-blocking with respect to the caller's outcome: Record never
// returns an error, only a Result carrying one. Callers that do not care
// discard it explicitly.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/idgen"
	"github.com/hazyhaar/sourcesync/source"
)

// MaxKeySample bounds the number of keys stored with an attempt.
const MaxKeySample = 20

// Status is the outcome of an attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Attempt is one ledger row.
type Attempt struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	AccountID      string            `json:"account_id,omitempty"`
	SourceID       string            `json:"source_id,omitempty"`
	JobID          string            `json:"job_id,omitempty"`
	Status         Status            `json:"status"`
	SkipReason     string            `json:"skip_reason,omitempty"`
	DurationMs     int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
	ErrorCategory  errclass.Category `json:"error_category,omitempty"`
	Summary        map[string]string `json:"summary,omitempty"`
	ContentHash    string            `json:"content_hash,omitempty"`
	ContentChanged bool              `json:"content_changed"`
	KeysCount      int               `json:"keys_count"`
	KeysSample     []string          `json:"keys_sample,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	Label          string            `json:"label,omitempty"`
	CacheRef       string            `json:"cache_ref,omitempty"`
	Trigger        source.Trigger    `json:"trigger,omitempty"`
	CreatedAt      int64             `json:"created_at"` // unix ms
}

// Writer persists attempts.
type Writer interface {
	Insert(ctx context.Context, a *Attempt) error
}

// Result is the outcome of a ledger write. ID is empty when Err is set.
type Result struct {
	ID  string
	Err error
}

// OK reports whether the write succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Ledger stamps, classifies and writes attempts.
type Ledger struct {
	w      Writer
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the attempt ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(l *Ledger) { l.newID = gen } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger write failures are reported to.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates a Ledger writing to w.
func New(w Writer, opts ...Option) *Ledger {
	l := &Ledger{
		w:      w,
		newID:  idgen.Prefixed("att_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record writes one attempt. It never panics and never propagates: failures
// are logged and returned inside the Result.
func (l *Ledger) Record(ctx context.Context, a *Attempt) (res Result) {
	if a == nil {
		return Result{Err: fmt.Errorf("ledger: nil attempt")}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("ledger: writer panic: %v", r)}
			l.logger.Error("ledger: write panicked", "url", a.URL, "panic", r)
		}
	}()

	row := l.prepare(a)
	if err := l.w.Insert(ctx, row); err != nil {
		l.logger.Warn("ledger: attempt not recorded",
			"url", row.URL, "account_id", row.AccountID, "status", row.Status, "error", err)
		return Result{Err: fmt.Errorf("ledger: record: %w", err)}
	}
	return Result{ID: row.ID}
}

// RecordBatch writes attempts strictly one at a time and returns how many
// were written. A failed write does not stop the batch.
func (l *Ledger) RecordBatch(ctx context.Context, attempts []*Attempt) int {
	written := 0
	for _, a := range attempts {
		if ctx.Err() != nil {
			break
		}
		if l.Record(ctx, a).OK() {
			written++
		}
	}
	if written < len(attempts) {
		l.logger.Warn("ledger: batch partially recorded", "written", written, "total", len(attempts))
	}
	return written
}

// prepare returns a stamped copy of a; the caller's value is left untouched.
func (l *Ledger) prepare(a *Attempt) *Attempt {
	row := *a
	if row.ID == "" {
		row.ID = l.newID()
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = l.now().UnixMilli()
	}
	if row.Status == "" {
		row.Status = StatusSuccess
		if row.Error != "" {
			row.Status = StatusFailed
		}
	}
	if row.Error != "" && row.ErrorCategory == "" {
		row.ErrorCategory = errclass.Classify(row.Error)
	}
	if len(row.KeysSample) > 0 {
		sample := append([]string(nil), row.KeysSample...)
		sort.Strings(sample)
		if row.KeysCount == 0 {
			row.KeysCount = len(sample)
		}
		if len(sample) > MaxKeySample {
			sample = sample[:MaxKeySample]
		}
		row.KeysSample = sample
	}
	return &row
}
