package syncer

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/source"
)

func TestSyncFull_ThreePages(t *testing.T) {
	// WHAT: A fresh account with 50/50/12 items completes in three requests.
	// WHY: Baseline for the interrupted-walk scenario below.
	f := newFeed(112)
	e := newEnv(t, f)
	ctx := context.Background()

	res, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Status != StatusCompleted || !res.Success {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if res.PostsFound != 112 || res.NewItemsAdded != 112 || res.PagesProcessed != 3 {
		t.Errorf("counts: found=%d added=%d pages=%d", res.PostsFound, res.NewItemsAdded, res.PagesProcessed)
	}
	if res.OldestItemTimestamp != nil {
		t.Error("complete walk should not report an oldest timestamp")
	}
	if f.requestCount() != 3 {
		t.Errorf("requests: %d", f.requestCount())
	}

	st, _ := e.coord.State(ctx, e.acct.ID)
	if !st.FullHistoryComplete || st.Status != StatusCompleted || st.TotalItems != 112 || st.LastSyncAt == 0 {
		t.Errorf("state: %+v", st)
	}
	if len(res.NewStructures) != 1 {
		t.Errorf("new structures: %v", res.NewStructures)
	}
}

func TestSyncFull_ResumeAfterRateLimit(t *testing.T) {
	// WHAT: Rate limited on page 3, the walk resumes with exactly one request.
	// WHY: Interruption must lose no progress and re-fetch nothing merged.
	f := newFeed(112)
	f.fail = rateLimitOn(3)
	e := newEnv(t, f)
	ctx := context.Background()

	res, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusRateLimited || !res.RateLimited || res.Success {
		t.Fatalf("result: %+v", res)
	}
	if res.ErrorCategory != errclass.RateLimited || res.RetryAfter != time.Minute {
		t.Errorf("category=%s retry=%v", res.ErrorCategory, res.RetryAfter)
	}
	// Page 2 re-reads page 1's oldest post, so it ends one post earlier.
	page2Oldest := newest.Add(-98 * time.Hour)
	if res.OldestItemTimestamp == nil || !res.OldestItemTimestamp.Equal(page2Oldest) {
		t.Errorf("oldest timestamp: %v", res.OldestItemTimestamp)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if st.OldestItemAt != page2Oldest.UnixMilli() || st.FullHistoryComplete {
		t.Errorf("state after interruption: %+v", st)
	}
	if res.NewItemsAdded != 99 {
		t.Errorf("added before interruption: %d", res.NewItemsAdded)
	}

	before := f.requestCount()
	res, err = e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("resume status: %s (%s)", res.Status, res.Error)
	}
	if got := f.requestCount() - before; got != 1 {
		t.Errorf("resume requests: %d, want 1", got)
	}
	// The cursor's own post is read again and deduped by natural key.
	if res.NewItemsAdded != 13 || res.PostsFound != 14 {
		t.Errorf("resume counts: found=%d added=%d", res.PostsFound, res.NewItemsAdded)
	}

	st, _ = e.coord.State(ctx, e.acct.ID)
	if !st.FullHistoryComplete || st.TotalItems != 112 {
		t.Errorf("final state: %+v", st)
	}

	clean := newEnv(t, newFeed(112))
	if _, err := clean.coord.SyncFull(ctx, clean.acct, source.TriggerManual); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e.keys(t), clean.keys(t)) {
		t.Error("resumed walk merged a different item set than an uninterrupted one")
	}
}

func TestSync_LedgerFailureDoesNotChangeOutcome(t *testing.T) {
	e := newEnv(t, newFeed(112), func(c *envConfig) { c.writer = failingLedger{} })
	res, err := e.coord.SyncFull(context.Background(), e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.PostsFound != 112 || res.NewItemsAdded != 112 {
		t.Errorf("result with dead ledger: %+v", res)
	}
}

func TestSyncIncremental_StopsAtKnownItem(t *testing.T) {
	f := newFeed(112)
	e := newEnv(t, f)
	ctx := context.Background()
	if _, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual); err != nil {
		t.Fatal(err)
	}

	f.prepend(3)
	before := f.requestCount()
	res, err := e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	// p000 sits on the stop mark and goes through the merge as a known key.
	if res.Status != StatusCompleted || res.NewItemsAdded != 3 || res.PostsFound != 4 || res.Partial {
		t.Errorf("result: %+v", res)
	}
	if got := f.requestCount() - before; got != 1 {
		t.Errorf("requests: %d, want 1", got)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if st.NewestItemAt != newest.Add(3*time.Hour).UnixMilli() {
		t.Errorf("newest mark: %d", st.NewestItemAt)
	}
	if !st.FullHistoryComplete || st.Mode != ModeIncremental {
		t.Errorf("state: %+v", st)
	}

	res, _ = e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if res.NewItemsAdded != 0 || res.Status != StatusCompleted {
		t.Errorf("no-op incremental: %+v", res)
	}
}

func TestSyncIncremental_PageCap(t *testing.T) {
	f := newFeed(112)
	f.pageSize = 10
	e := newEnv(t, f, func(c *envConfig) { c.cfg.IncrementalMaxPages = 2 })
	res, err := e.coord.SyncIncremental(context.Background(), e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	// Page 2 starts at page 1's oldest post: 10 + 9 new.
	if res.PagesProcessed != 2 || res.NewItemsAdded != 19 || res.Status != StatusCompleted {
		t.Errorf("result: %+v", res)
	}
	st, _ := e.coord.State(context.Background(), e.acct.ID)
	if st.OldestItemAt != 0 {
		t.Error("incremental walks must not move the full-history cursor")
	}
}

func TestSyncFull_CancelAtPageBoundary(t *testing.T) {
	// WHAT: Cancel during page 1 finishes that page, then stops resumably.
	// WHY: Cancellation is honoured only between pages, never mid-merge.
	f := newFeed(112)
	e := newEnv(t, f)
	f.onRequest = func(n int) {
		if n == 1 {
			e.coord.Cancel(e.acct.ID)
		}
	}
	ctx := context.Background()

	res, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCancelled || !res.Cancelled || res.PagesProcessed != 1 || res.NewItemsAdded != 50 {
		t.Fatalf("result: %+v", res)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if !st.Status.Resumable() || st.OldestItemAt != newest.Add(-49*time.Hour).UnixMilli() {
		t.Errorf("state: %+v", st)
	}

	f.onRequest = nil
	res, _ = e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if res.Status != StatusCompleted || res.NewItemsAdded != 62 {
		t.Errorf("resume: %+v", res)
	}
	if e.coord.Cancel(e.acct.ID) {
		t.Error("cancel with no active run should report false")
	}
}

func TestSyncFull_BudgetTimeout(t *testing.T) {
	var mu sync.Mutex
	clock := newest
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	f := newFeed(112)
	f.onRequest = func(int) {
		mu.Lock()
		clock = clock.Add(10 * time.Minute)
		mu.Unlock()
	}
	e := newEnv(t, f, func(c *envConfig) {
		c.cfg.Budget = 15 * time.Minute
		c.now = now
	})

	res, err := e.coord.SyncFull(context.Background(), e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout || !res.Timeout || res.PagesProcessed != 2 {
		t.Fatalf("result: %+v", res)
	}
	if res.ErrorCategory != errclass.Timeout || res.OldestItemTimestamp == nil {
		t.Errorf("result: %+v", res)
	}
}

func TestSyncFull_FailureKeepsCursor(t *testing.T) {
	f := newFeed(112)
	f.fail = func(n int) error {
		if n == 2 {
			return &errclass.StatusError{Code: http.StatusBadGateway}
		}
		return nil
	}
	e := newEnv(t, f)
	ctx := context.Background()

	res, _ := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if res.Status != StatusFailed || res.ErrorCategory != errclass.ServerError {
		t.Fatalf("result: %+v", res)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if st.OldestItemAt != newest.Add(-49*time.Hour).UnixMilli() || st.LastErrorCategory != errclass.ServerError {
		t.Errorf("state: %+v", st)
	}
	if st.LastSyncAt != 0 {
		t.Error("failed run must not set last sync time")
	}

	f.fail = nil
	res, _ = e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if res.Status != StatusCompleted || res.NewItemsAdded != 62 {
		t.Errorf("next attempt: %+v", res)
	}
}

// blockingProcessor holds every page until released.
type blockingProcessor struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingProcessor) ProcessPage(ctx context.Context, req pipeline.PageRequest) (*pipeline.PageOutcome, error) {
	b.entered <- struct{}{}
	<-b.release
	return &pipeline.PageOutcome{URL: req.Key.URL, Result: &source.ParseResult{}}, nil
}

func TestSync_OneRunPerAccount(t *testing.T) {
	bp := &blockingProcessor{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := newEnv(t, newFeed(1), func(c *envConfig) { c.proc = bp })
	ctx := context.Background()

	done := make(chan *Result)
	go func() {
		res, _ := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
		done <- res
	}()
	<-bp.entered

	if _, err := e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second run: %v", err)
	}
	if got := e.coord.Running(); len(got) != 1 || got[0] != e.acct.ID {
		t.Errorf("running: %v", got)
	}

	other := e.acct
	other.ID = "acct-2"
	otherDone := make(chan *Result)
	go func() {
		res, _ := e.coord.SyncIncremental(ctx, other, source.TriggerScheduled)
		otherDone <- res
	}()
	<-bp.entered
	close(bp.release)

	if res := <-done; res.Status != StatusCompleted {
		t.Errorf("first run: %+v", res)
	}
	if res := <-otherDone; res == nil || res.Status != StatusCompleted {
		t.Errorf("other account: %+v", res)
	}
}

func TestSync_EventsOrdered(t *testing.T) {
	e := newEnv(t, newFeed(112))
	sub := e.coord.Bus().Subscribe(e.acct.ID, 16)
	defer sub.Close()

	if _, err := e.coord.SyncFull(context.Background(), e.acct, source.TriggerManual); err != nil {
		t.Fatal(err)
	}

	var got []Event
	for len(got) == 0 || !got[len(got)-1].Status.Terminal() {
		select {
		case ev := <-sub.C:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	want := []Status{StatusStarted, StatusInProgress, StatusInProgress, StatusInProgress, StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("events: %+v", got)
	}
	for i, ev := range got {
		if ev.Status != want[i] || ev.Seq != i+1 {
			t.Errorf("event %d: status=%s seq=%d", i, ev.Status, ev.Seq)
		}
		if i > 0 && ev.PostsFound < got[i-1].PostsFound {
			t.Errorf("running totals went backwards at %d", i)
		}
	}
	if got[4].PostsFound != 112 {
		t.Errorf("final total: %d", got[4].PostsFound)
	}
}

func TestSyncIncremental_PageCapLeavesNoGap(t *testing.T) {
	// WHAT: 300 new posts against a 5-page cap take two incrementals, and
	// the second continues below where the first stopped.
	// WHY: moving the stop mark before reaching it would strand the posts
	// between the cap and the old mark.
	f := newFeed(112)
	e := newEnv(t, f)
	ctx := context.Background()
	if _, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual); err != nil {
		t.Fatal(err)
	}
	f.prepend(300)

	res, err := e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || !res.Partial || res.PagesProcessed != 5 || res.NewItemsAdded != 246 {
		t.Fatalf("first run: %+v", res)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if st.NewestItemAt != newest.UnixMilli() {
		t.Errorf("stop mark moved before the gap closed: %d", st.NewestItemAt)
	}
	if st.CatchUpCursorAt != newest.Add(55*time.Hour).UnixMilli() || st.CatchUpNewestAt != newest.Add(300*time.Hour).UnixMilli() {
		t.Errorf("catch-up cursor: %+v", st)
	}

	res, err = e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.Partial || res.NewItemsAdded != 54 {
		t.Fatalf("second run: %+v", res)
	}
	if got := len(e.keys(t)); got != 412 {
		t.Errorf("stored: %d, want 412", got)
	}
	st, _ = e.coord.State(ctx, e.acct.ID)
	if st.NewestItemAt != newest.Add(300*time.Hour).UnixMilli() || st.CatchUpCursorAt != 0 || st.CatchUpNewestAt != 0 {
		t.Errorf("state after catch-up: %+v", st)
	}
}

func TestSyncIncremental_ResumesAfterRateLimit(t *testing.T) {
	f := newFeed(112)
	e := newEnv(t, f)
	ctx := context.Background()
	if _, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual); err != nil {
		t.Fatal(err)
	}
	f.prepend(120)
	f.fail = rateLimitOn(f.requestCount() + 2)

	res, _ := e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if res.Status != StatusRateLimited || !res.Partial || res.NewItemsAdded != 50 {
		t.Fatalf("interrupted run: %+v", res)
	}
	st, _ := e.coord.State(ctx, e.acct.ID)
	if st.NewestItemAt != newest.UnixMilli() || st.CatchUpCursorAt == 0 {
		t.Errorf("state: %+v", st)
	}

	f.fail = nil
	res, _ = e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if res.Status != StatusCompleted || res.Partial || res.NewItemsAdded != 70 {
		t.Fatalf("resumed run: %+v", res)
	}
	if got := len(e.keys(t)); got != 232 {
		t.Errorf("stored: %d, want 232", got)
	}
}

func TestSync_TiedTimestampsAcrossPages(t *testing.T) {
	// WHAT: a post sharing its timestamp with the last post of page 1, and
	// one sharing the newest known timestamp, are both merged.
	// WHY: second-precision datetimes make ties at page boundaries common.
	f := newFeed(112)
	f.insertTie(49, "tie-page")
	e := newEnv(t, f)
	ctx := context.Background()

	res, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.NewItemsAdded != 113 {
		t.Fatalf("full: %+v", res)
	}

	f.insertTie(0, "tie-top")
	res, err = e.coord.SyncIncremental(ctx, e.acct, source.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompleted || res.NewItemsAdded != 1 {
		t.Fatalf("incremental: %+v", res)
	}
	if got := len(e.keys(t)); got != 114 {
		t.Errorf("stored: %d, want 114", got)
	}
}

// cancellingDest cancels the run's context while merging page n.
type cancellingDest struct {
	source.Destination
	n      int
	calls  int
	cancel context.CancelFunc
}

func (d *cancellingDest) Upsert(ctx context.Context, accountID string, items []source.Item) (int, error) {
	d.calls++
	if d.calls == d.n {
		d.cancel()
	}
	return d.Destination.Upsert(ctx, accountID, items)
}

func TestSyncFull_CancelDuringMerge(t *testing.T) {
	// WHAT: a context cancelled mid-merge still merges that page and ends
	// CANCELLED with the cursor on it.
	// WHY: the merge is not a page boundary; a FAILED/UNKNOWN stop there
	// would hide a resumable interruption.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, newFeed(112), func(c *envConfig) {
		c.wrapDest = func(d source.Destination) source.Destination {
			return &cancellingDest{Destination: d, n: 2, cancel: cancel}
		}
	})

	res, err := e.coord.SyncFull(ctx, e.acct, source.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCancelled || !res.Cancelled || res.PagesProcessed != 2 || res.NewItemsAdded != 99 {
		t.Fatalf("result: %+v", res)
	}
	st, _ := e.coord.State(context.Background(), e.acct.ID)
	if st.OldestItemAt != newest.Add(-98*time.Hour).UnixMilli() || !st.Status.Resumable() {
		t.Errorf("state: %+v", st)
	}

	res, _ = e.coord.SyncFull(context.Background(), e.acct, source.TriggerManual)
	if res.Status != StatusCompleted || len(e.keys(t)) != 112 {
		t.Errorf("resume: %+v stored=%d", res, len(e.keys(t)))
	}
}
