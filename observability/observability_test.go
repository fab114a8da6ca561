package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/syncer"
)

func newRecorder(t *testing.T, cfg Config) *Recorder {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	r := NewRecorder(db, cfg, nil)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecorder_FlushOnCloseAndQuery(t *testing.T) {
	r := newRecorder(t, Config{FlushInterval: time.Hour})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(&Metric{Name: MetricPages, Timestamp: base, Value: 3, Labels: map[string]string{"account_id": "a"}})
	r.Record(&Metric{Name: MetricPages, Timestamp: base.Add(time.Minute), Value: 5, Labels: map[string]string{"account_id": "b"}})
	r.Record(&Metric{Name: MetricNewItems, Timestamp: base.Add(2 * time.Minute), Value: 7})

	// WHAT: nothing is visible before a flush.
	got, err := r.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unflushed datapoints visible: %d", len(got))
	}

	r.Close()
	got, err = r.Query(context.Background(), Filter{Name: MetricPages})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Value != 5 || !got[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Fatalf("newest first: %+v", got)
	}

	got, err = r.Query(context.Background(), Filter{Labels: map[string]string{"account_id": "a"}})
	if err != nil {
		t.Fatalf("query labels: %v", err)
	}
	if len(got) != 1 || got[0].Value != 3 {
		t.Fatalf("label filter: %+v", got)
	}
}

func TestRecorder_FlushSizeTriggersWrite(t *testing.T) {
	r := newRecorder(t, Config{FlushSize: 2, FlushInterval: time.Hour})
	r.Record(&Metric{Name: MetricRuns, Value: 1})
	r.Record(&Metric{Name: MetricRuns, Value: 1})

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := r.Query(context.Background(), Filter{Name: MetricRuns})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush never happened, got %d", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecorder_OverflowDrops(t *testing.T) {
	r := newRecorder(t, Config{FlushSize: 100, MaxBuffered: 2, FlushInterval: time.Hour})
	for i := 0; i < 5; i++ {
		r.Record(&Metric{Name: MetricRuns, Value: 1})
	}
	if r.Dropped() != 3 {
		t.Fatalf("dropped: %d", r.Dropped())
	}
	r.Close()
	got, _ := r.Query(context.Background(), Filter{})
	if len(got) != 2 {
		t.Fatalf("kept: %d", len(got))
	}
}

func TestWatchRuns(t *testing.T) {
	r := newRecorder(t, Config{FlushInterval: time.Hour})
	bus := syncer.NewBus(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := r.WatchRuns(ctx, bus)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	bus.Publish(syncer.Event{AccountID: "a", RunID: "run1", Mode: syncer.ModeFull, Status: syncer.StatusStarted, Seq: 1, At: start})
	bus.Publish(syncer.Event{AccountID: "a", RunID: "run1", Mode: syncer.ModeFull, Status: syncer.StatusInProgress, Seq: 2, PagesProcessed: 1, At: start + 100})
	bus.Publish(syncer.Event{AccountID: "a", RunID: "run1", Mode: syncer.ModeFull, Status: syncer.StatusRateLimited, Seq: 3,
		PagesProcessed: 1, PostsFound: 50, NewItemsAdded: 50, ErrorCategory: errclass.RateLimited, At: start + 1500})

	// The terminal event is delivered before Publish returns; give the
	// watcher time to record it before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.buffer)
		r.mu.Unlock()
		if n == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	r.Close()

	got, err := r.Query(context.Background(), Filter{Name: MetricRunDurationMs})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Value != 1500 {
		t.Fatalf("duration: %+v", got)
	}
	if got[0].Labels["status"] != "RATE_LIMITED" || got[0].Labels["error_category"] != string(errclass.RateLimited) {
		t.Fatalf("labels: %v", got[0].Labels)
	}
	items, _ := r.Query(context.Background(), Filter{Name: MetricNewItems, Labels: map[string]string{"mode": "full"}})
	if len(items) != 1 || items[0].Value != 50 {
		t.Fatalf("new items: %+v", items)
	}
}
