// Package pipeline processes one page at a time: cache check, conditional
// fetch, store, parse, fingerprint, audit. The cache, catalog and ledger stay
// single-purpose; this package is where they are composed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sourcesync/contentcache"
	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/fingerprint"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/source"
)

// Deps are the collaborators a Processor composes.
type Deps struct {
	Cache   *contentcache.Cache
	Fetcher source.Fetcher
	Parser  source.Parser
	Catalog *fingerprint.Catalog
	Ledger  *ledger.Ledger
	Logger  *slog.Logger
}

// Processor runs the per-page pipeline. Safe for concurrent use.
type Processor struct {
	cache   *contentcache.Cache
	fetcher source.Fetcher
	parser  source.Parser
	catalog *fingerprint.Catalog
	ledger  *ledger.Ledger
	logger  *slog.Logger
}

// New creates a Processor.
func New(d Deps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cache:   d.Cache,
		fetcher: d.Fetcher,
		parser:  d.Parser,
		catalog: d.Catalog,
		ledger:  d.Ledger,
		logger:  logger,
	}
}

// PageRequest identifies one page to process.
type PageRequest struct {
	Key       source.Key
	AccountID string
	JobID     string
	Trigger   source.Trigger
	// Known are validators the caller already holds for the live page.
	Known source.Validators
}

// PageOutcome describes what happened to one page. On error, Category and
// RetryAfter describe the failure and Result is nil.
type PageOutcome struct {
	URL          string               `json:"url"`
	Status       ledger.Status        `json:"status"`
	StatusCode   int                  `json:"status_code,omitempty"`
	NotModified  bool                 `json:"not_modified,omitempty"`
	FromCache    bool                 `json:"from_cache,omitempty"`
	Changed      bool                 `json:"changed"`
	Record       *contentcache.Record `json:"record,omitempty"`
	Result       *source.ParseResult  `json:"result,omitempty"`
	Fingerprint  string               `json:"fingerprint,omitempty"`
	Label        string               `json:"label,omitempty"`
	NewStructure bool                 `json:"new_structure,omitempty"`
	Category     errclass.Category    `json:"error_category,omitempty"`
	RetryAfter   time.Duration        `json:"retry_after,omitempty"`
	AttemptID    string               `json:"attempt_id,omitempty"`
	Duration     time.Duration        `json:"duration"`
}

// ProcessPage runs the pipeline for one page. The returned error is the
// attempt's failure; the outcome is always non-nil and the attempt is always
// audited.
func (p *Processor) ProcessPage(ctx context.Context, req PageRequest) (*PageOutcome, error) {
	start := time.Now()
	out := &PageOutcome{URL: req.Key.URL}
	att := &ledger.Attempt{
		URL:       req.Key.URL,
		AccountID: req.AccountID,
		SourceID:  req.Key.Secondary,
		JobID:     req.JobID,
		Trigger:   req.Trigger,
	}

	payload, err := p.acquire(ctx, req, start, out, att)
	if err == nil {
		err = p.analyse(ctx, payload, out, att)
	}
	p.finish(ctx, start, out, att, err)
	return out, err
}

// acquire returns the page bytes, from the network or from the cache.
func (p *Processor) acquire(ctx context.Context, req PageRequest, start time.Time, out *PageOutcome, att *ledger.Attempt) ([]byte, error) {
	dec, err := p.cache.ShouldRefetch(ctx, req.Key, req.Known)
	if err != nil {
		return nil, err
	}

	if !dec.RefetchNeeded {
		out.FromCache = true
		out.Record = dec.Current
		att.Status, att.SkipReason = ledger.StatusSkipped, "validators unchanged"
		return p.cache.Load(ctx, dec.Current)
	}

	resp, err := p.fetcher.Fetch(ctx, req.Key.URL, dec.Conditional)
	if resp != nil {
		out.StatusCode = resp.StatusCode
		out.RetryAfter = resp.RetryAfter
	}
	if err != nil {
		return nil, err
	}

	if resp.NotModified() {
		if dec.Current == nil {
			return nil, fmt.Errorf("upstream api error: 304 without a cached copy of %s", req.Key.URL)
		}
		rec, err := p.cache.MarkNotModified(ctx, req.Key, resp.Validators, start)
		if err != nil {
			return nil, err
		}
		out.NotModified, out.FromCache, out.Record = true, true, rec
		att.Status, att.SkipReason = ledger.StatusSkipped, "not modified"
		return p.cache.Load(ctx, rec)
	}

	sr, err := p.cache.Store(ctx, contentcache.StoreRequest{
		Key:        req.Key,
		Payload:    resp.Body,
		Validators: resp.Validators,
		CapturedAt: start,
	})
	if err != nil {
		return nil, err
	}
	out.Record, out.Changed = sr.Record, sr.Changed
	return resp.Body, nil
}

// analyse parses payload and observes its structure.
func (p *Processor) analyse(ctx context.Context, payload []byte, out *PageOutcome, att *ledger.Attempt) error {
	if out.Record != nil {
		att.ContentHash = out.Record.ContentHash
		att.CacheRef = out.Record.PayloadRef
	}
	att.ContentChanged = out.Changed

	res, err := p.parser.Parse(ctx, out.URL, payload)
	if err != nil {
		return &parseError{err: err}
	}
	out.Result = res

	out.Fingerprint = fingerprint.Fingerprint(res.Keys)
	out.Label = fingerprint.Label(res.Indicators)
	// Catalog failures are logged inside Observe; the fingerprint is still usable.
	obs := p.catalog.Observe(ctx, out.Fingerprint, out.Label, out.URL)
	out.NewStructure = obs.IsNew

	att.Summary = res.Summary
	att.KeysCount = len(res.Keys)
	att.KeysSample = res.Keys
	att.Fingerprint, att.Label = out.Fingerprint, out.Label
	return nil
}

// finish stamps the outcome and writes the attempt.
func (p *Processor) finish(ctx context.Context, start time.Time, out *PageOutcome, att *ledger.Attempt, err error) {
	out.Duration = time.Since(start)
	att.DurationMs = out.Duration.Milliseconds()

	if err != nil {
		out.Status = ledger.StatusFailed
		out.Category = categorize(err)
		att.Status, att.SkipReason = ledger.StatusFailed, ""
		att.Error, att.ErrorCategory = err.Error(), out.Category
	} else {
		if att.Status == "" {
			att.Status = ledger.StatusSuccess
		}
		out.Status = att.Status
	}

	// The ledger never fails the attempt it records: its error is dropped
	// here on purpose after the ledger has logged it. Timed-out and
	// cancelled attempts are recorded too, so the write ignores ctx's end.
	if r := p.ledger.Record(context.WithoutCancel(ctx), att); r.OK() {
		out.AttemptID = r.ID
	}

	if err != nil {
		p.logger.Warn("pipeline: page failed", "url", out.URL, "account_id", att.AccountID,
			"category", out.Category, "error", err)
	}
}

type parseError struct{ err error }

func (e *parseError) Error() string { return "parse: " + e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func categorize(err error) errclass.Category {
	var pe *parseError
	if errors.As(err, &pe) && !errors.Is(err, context.DeadlineExceeded) {
		return errclass.ParseError
	}
	return errclass.Of(err)
}
