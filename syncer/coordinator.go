// Package syncer drives incremental and full-history walks of paginated
// source accounts.
//
// One run per account at a time, pages strictly sequential within a run.
// After every merged page the account's cursor is persisted before the next
// request, so an interruption loses at most the page in flight. Rate limits,
// budget exhaustion and operator cancellation are resumable outcomes, not
// failures.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/idgen"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/source"
)

// ErrSyncInProgress is returned when the account already has a running sync.
var ErrSyncInProgress = errors.New("syncer: sync already in progress for account")

// PageProcessor runs the per-page pipeline.
type PageProcessor interface {
	ProcessPage(ctx context.Context, req pipeline.PageRequest) (*pipeline.PageOutcome, error)
}

// Config bounds a run.
type Config struct {
	// IncrementalMaxPages caps an incremental walk. Default: 5.
	IncrementalMaxPages int
	// MaxItems marks the full history complete once this many items are
	// merged for the account. Zero means no limit.
	MaxItems int64
	// Budget is the wall-clock budget of one invocation, checked between
	// pages. Zero means no budget.
	Budget time.Duration
}

func (c *Config) defaults() {
	if c.IncrementalMaxPages <= 0 {
		c.IncrementalMaxPages = 5
	}
}

// Deps are the collaborators a Coordinator drives. The catalogs behind
// Processor are shared across accounts.
type Deps struct {
	Processor   PageProcessor
	Paginator   source.Paginator
	Destination source.Destination
	States      *StateStore
	Bus         *Bus
	Logger      *slog.Logger
	Now         func() time.Time
	NewRunID    idgen.Generator
}

// Result is returned by SyncIncremental and SyncFull.
type Result struct {
	RunID          string            `json:"run_id"`
	AccountID      string            `json:"account_id"`
	Mode           Mode              `json:"mode"`
	Status         Status            `json:"status"`
	Success        bool              `json:"success"`
	PostsFound     int               `json:"posts_found"`
	NewItemsAdded  int               `json:"new_items_added"`
	RateLimited    bool              `json:"rate_limited"`
	Timeout        bool              `json:"timeout"`
	Cancelled      bool              `json:"cancelled"`
	ErrorCategory  errclass.Category `json:"error_category,omitempty"`
	Error          string            `json:"error,omitempty"`
	RetryAfter     time.Duration     `json:"retry_after,omitempty"`
	PagesProcessed int               `json:"pages_processed"`
	NewStructures  []string          `json:"new_structures,omitempty"`
	// Partial is set when an incremental walk stopped before reaching the
	// account's known items; the next incremental continues below it.
	Partial bool `json:"partial,omitempty"`
	// OldestItemTimestamp is set when a full walk ended incomplete.
	OldestItemTimestamp *time.Time `json:"oldest_item_timestamp,omitempty"`
}

// Coordinator runs syncs. Safe for concurrent use across accounts.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = idgen.Prefixed("run_", idgen.Default)
	}
	if deps.Bus == nil {
		deps.Bus = NewBus(0)
	}
	if deps.Paginator == nil {
		deps.Paginator = source.TemplatePaginator{}
	}
	return &Coordinator{cfg: cfg, deps: deps, logger: deps.Logger, runs: make(map[string]*run)}
}

// Bus returns the progress bus.
func (c *Coordinator) Bus() *Bus { return c.deps.Bus }

// SyncIncremental fetches newest-first pages until it reaches an item at or
// before the account's newest synced item. A walk cut short by the page cap
// or an interruption leaves a catch-up cursor, and the next incremental
// continues from it before the stop mark moves.
func (c *Coordinator) SyncIncremental(ctx context.Context, account source.Account, trigger source.Trigger) (*Result, error) {
	return c.sync(ctx, account, ModeIncremental, trigger)
}

// SyncFull walks the account's history backward, resuming an incomplete
// previous walk from its persisted cursor.
func (c *Coordinator) SyncFull(ctx context.Context, account source.Account, trigger source.Trigger) (*Result, error) {
	return c.sync(ctx, account, ModeFull, trigger)
}

// Cancel asks the account's running sync to stop at the next page boundary.
// It reports whether a run was active.
func (c *Coordinator) Cancel(accountID string) bool {
	c.mu.Lock()
	r := c.runs[accountID]
	c.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// Running returns the ids of accounts with an active run.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, id)
	}
	return out
}

// State returns the persisted state of accountID. It is the polling
// fallback for subscribers that missed events.
func (c *Coordinator) State(ctx context.Context, accountID string) (*SyncState, error) {
	return c.deps.States.Get(ctx, accountID)
}

func (c *Coordinator) acquire(accountID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.runs[accountID]; busy {
		return nil, ErrSyncInProgress
	}
	r := &run{cancelled: make(chan struct{})}
	c.runs[accountID] = r
	return r, nil
}

func (c *Coordinator) release(accountID string) {
	c.mu.Lock()
	delete(c.runs, accountID)
	c.mu.Unlock()
}

func (c *Coordinator) sync(ctx context.Context, account source.Account, mode Mode, trigger source.Trigger) (*Result, error) {
	if account.ID == "" {
		return nil, errors.New("syncer: account id required")
	}
	r, err := c.acquire(account.ID)
	if err != nil {
		return nil, err
	}
	defer c.release(account.ID)

	st, err := c.deps.States.Get(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	r.c = c
	r.account = account
	r.mode = mode
	r.trigger = trigger
	r.state = st
	r.res = &Result{RunID: c.deps.NewRunID(), AccountID: account.ID, Mode: mode}
	r.started = c.deps.Now()
	r.log = c.logger.With("account_id", account.ID, "run_id", r.res.RunID, "mode", mode)

	return r.execute(ctx)
}

// run is the state of one in-flight sync.
type run struct {
	c       *Coordinator
	account source.Account
	mode    Mode
	trigger source.Trigger
	state   *SyncState
	res     *Result
	started time.Time
	seq     int
	log     *slog.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (r *run) cancel() { r.cancelOnce.Do(func() { close(r.cancelled) }) }

// stopReason is why a run ended before completing.
type stopReason struct {
	status   Status
	category errclass.Category
	err      error
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	persistCtx := context.WithoutCancel(ctx)

	r.state.Mode = r.mode
	r.state.Status = StatusStarted
	r.state.RunID = r.res.RunID
	r.state.LastError, r.state.LastErrorCategory = "", ""

	var before time.Time
	switch r.mode {
	case ModeFull:
		if cur, ok := r.state.resumeCursor(); ok {
			before = cur
			r.log.Info("syncer: resuming full walk", "cursor", cur)
		} else {
			r.state.OldestItemAt = 0
			r.state.FullHistoryComplete = false
		}
	case ModeIncremental:
		if cur, ok := r.state.catchUpCursor(); ok {
			before = cur
			r.log.Info("syncer: continuing incremental catch-up", "cursor", cur,
				"stop_mark", time.UnixMilli(r.state.NewestItemAt))
		}
	}
	if err := r.save(persistCtx); err != nil {
		r.state.Status = StatusFailed
		return nil, err
	}
	r.emit(StatusStarted, nil)
	r.log.Info("syncer: started", "trigger", r.trigger)

	stop := r.walk(ctx, before)
	return r.conclude(persistCtx, stop), nil
}

// walk processes pages until a stop condition; it returns nil on completion.
//
// Page requests are inclusive of the cursor's timestamp, so posts sharing
// it across a page boundary are not skipped. Natural keys dedupe the
// overlap: within a run through edge, across runs through the destination.
func (r *run) walk(ctx context.Context, before time.Time) *stopReason {
	stopMark := time.UnixMilli(r.state.NewestItemAt)
	// With no stop mark there is no gap to close: the first incremental
	// seeds the mark and older history belongs to full walks.
	catchUp := r.mode == ModeIncremental && r.state.NewestItemAt != 0
	edge := map[string]bool{}

	for page := 0; ; page++ {
		if s := r.boundary(ctx); s != nil {
			return s
		}
		if r.mode == ModeIncremental && page >= r.c.cfg.IncrementalMaxPages {
			return nil
		}

		url, err := r.c.deps.Paginator.PageURL(r.account, before)
		if err != nil {
			return &stopReason{status: StatusFailed, category: errclass.Unknown, err: err}
		}
		out, err := r.c.deps.Processor.ProcessPage(ctx, pipeline.PageRequest{
			Key:       source.Key{URL: url, Secondary: r.account.ID},
			AccountID: r.account.ID,
			JobID:     r.res.RunID,
			Trigger:   r.trigger,
		})
		if err != nil {
			return r.pageFailure(ctx, out, err)
		}
		r.res.PagesProcessed++
		if out.NewStructure {
			r.res.NewStructures = append(r.res.NewStructures, out.Fingerprint)
		}

		raw := out.Result.Items
		items := make([]source.Item, 0, len(raw))
		reachedKnown := false
		for _, it := range raw {
			switch {
			case !before.IsZero() && it.PostedAt.After(before):
				// Newer than the cursor: merged from an earlier page.
			case !before.IsZero() && it.PostedAt.Equal(before) && edge[it.NaturalKey]:
				// The cursor's own posts, already merged by this run.
			case catchUp && it.PostedAt.Before(stopMark):
				reachedKnown = true
			default:
				if catchUp && it.PostedAt.Equal(stopMark) {
					reachedKnown = true
				}
				items = append(items, it)
			}
		}
		if len(items) == 0 {
			// Nothing on this page is new to the walk.
			r.finish(true)
			return nil
		}

		// The merge is not interruptible: a page is either fully merged or
		// not at all, and the next boundary check classifies the stop.
		added, err := r.c.deps.Destination.Upsert(context.WithoutCancel(ctx), r.account.ID, items)
		if err != nil {
			return &stopReason{status: StatusFailed, category: errclass.Of(err), err: err}
		}

		oldest, newest := items[0].PostedAt, items[0].PostedAt
		for _, it := range items[1:] {
			if it.PostedAt.Before(oldest) {
				oldest = it.PostedAt
			}
			if it.PostedAt.After(newest) {
				newest = it.PostedAt
			}
		}
		if !oldest.Equal(before) {
			edge = map[string]bool{}
		}
		for _, it := range items {
			if it.PostedAt.Equal(oldest) {
				edge[it.NaturalKey] = true
			}
		}

		r.res.PostsFound += len(items)
		r.res.NewItemsAdded += added
		r.state.TotalItems += int64(added)
		ms := newest.UnixMilli()
		switch {
		case catchUp:
			r.state.CatchUpCursorAt = oldest.UnixMilli()
			if ms > r.state.CatchUpNewestAt {
				r.state.CatchUpNewestAt = ms
			}
		case ms > r.state.NewestItemAt:
			r.state.NewestItemAt = ms
		}
		if r.mode == ModeFull {
			r.state.OldestItemAt = oldest.UnixMilli()
		}
		r.state.Status = StatusInProgress
		if err := r.save(context.WithoutCancel(ctx)); err != nil {
			return &stopReason{status: StatusFailed, category: errclass.Unknown, err: err}
		}
		r.emit(StatusInProgress, nil)

		switch {
		case reachedKnown:
			r.finish(false)
			return nil
		case !out.Result.HasMore:
			r.finish(true)
			return nil
		case r.mode == ModeFull && r.c.cfg.MaxItems > 0 && r.state.TotalItems >= r.c.cfg.MaxItems:
			r.log.Info("syncer: item cap reached", "total_items", r.state.TotalItems)
			r.state.FullHistoryComplete = true
			return nil
		}
		before = oldest
	}
}

// finish records that the walk reached its end. endOfHistory is false when
// an incremental walk stopped at known items.
func (r *run) finish(endOfHistory bool) {
	switch r.mode {
	case ModeFull:
		if endOfHistory {
			r.state.FullHistoryComplete = true
		}
	case ModeIncremental:
		if r.state.CatchUpNewestAt > r.state.NewestItemAt {
			r.state.NewestItemAt = r.state.CatchUpNewestAt
		}
		r.state.CatchUpCursorAt, r.state.CatchUpNewestAt = 0, 0
	}
}

// boundary checks cancellation and budget between pages.
func (r *run) boundary(ctx context.Context) *stopReason {
	select {
	case <-r.cancelled:
		return &stopReason{status: StatusCancelled, err: errors.New("cancelled by operator")}
	default:
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &stopReason{status: StatusTimeout, category: errclass.Timeout, err: err}
		}
		return &stopReason{status: StatusCancelled, err: err}
	}
	if r.c.cfg.Budget > 0 && r.c.deps.Now().Sub(r.started) >= r.c.cfg.Budget {
		return &stopReason{status: StatusTimeout, category: errclass.Timeout,
			err: fmt.Errorf("time budget of %s exhausted", r.c.cfg.Budget)}
	}
	return nil
}

// pageFailure maps a failed page onto a terminal state.
func (r *run) pageFailure(ctx context.Context, out *pipeline.PageOutcome, err error) *stopReason {
	cat := errclass.Of(err)
	if out != nil {
		if out.Category != "" {
			cat = out.Category
		}
		r.res.RetryAfter = out.RetryAfter
	}
	switch {
	case cat == errclass.RateLimited:
		return &stopReason{status: StatusRateLimited, category: cat, err: err}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return &stopReason{status: StatusCancelled, err: err}
	case cat == errclass.Timeout:
		return &stopReason{status: StatusTimeout, category: cat, err: err}
	}
	return &stopReason{status: StatusFailed, category: cat, err: err}
}

func (r *run) conclude(ctx context.Context, stop *stopReason) *Result {
	res := r.res
	if stop == nil {
		res.Status, res.Success = StatusCompleted, true
		r.state.LastSyncAt = r.c.deps.Now().UnixMilli()
	} else {
		res.Status = stop.status
		res.ErrorCategory = stop.category
		res.Error = stop.err.Error()
		res.RateLimited = stop.status == StatusRateLimited
		res.Timeout = stop.status == StatusTimeout
		res.Cancelled = stop.status == StatusCancelled
		r.state.LastError = res.Error
		r.state.LastErrorCategory = stop.category
	}
	r.state.Status = res.Status

	res.Partial = r.mode == ModeIncremental && r.state.CatchUpCursorAt != 0
	if r.mode == ModeFull && !r.state.FullHistoryComplete && r.state.OldestItemAt != 0 {
		ts := time.UnixMilli(r.state.OldestItemAt).UTC()
		res.OldestItemTimestamp = &ts
	}

	if err := r.save(ctx); err != nil {
		r.log.Error("syncer: final state not persisted", "error", err)
	}
	r.emit(res.Status, stop)

	r.log.Info("syncer: finished", "status", res.Status, "pages", res.PagesProcessed,
		"posts_found", res.PostsFound, "new_items", res.NewItemsAdded, "partial", res.Partial, "error", res.Error)
	return res
}

func (r *run) save(ctx context.Context) error {
	r.state.UpdatedAt = r.c.deps.Now().UnixMilli()
	return r.c.deps.States.Save(ctx, r.state)
}

func (r *run) emit(status Status, stop *stopReason) {
	r.seq++
	ev := Event{
		AccountID:      r.account.ID,
		RunID:          r.res.RunID,
		Mode:           r.mode,
		Status:         status,
		Seq:            r.seq,
		PagesProcessed: r.res.PagesProcessed,
		PostsFound:     r.res.PostsFound,
		NewItemsAdded:  r.res.NewItemsAdded,
		OldestItemAt:   r.state.OldestItemAt,
		At:             r.c.deps.Now().UnixMilli(),
	}
	if stop != nil {
		ev.ErrorCategory = stop.category
		ev.Error = stop.err.Error()
	}
	r.c.deps.Bus.Publish(ev)
}
