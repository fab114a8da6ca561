package observability

import (
	"context"
	"time"

	"github.com/hazyhaar/sourcesync/syncer"
)

// WatchRuns subscribes to every account on bus and records one set of
// datapoints per finished run until ctx is cancelled. The subscription is
// active when WatchRuns returns; the returned channel closes once the
// watcher has stopped.
func (r *Recorder) WatchRuns(ctx context.Context, bus *syncer.Bus) <-chan struct{} {
	sub := bus.Subscribe("", 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		r.watch(ctx, sub)
	}()
	return done
}

func (r *Recorder) watch(ctx context.Context, sub *syncer.Subscription) {
	started := make(map[string]int64) // run id -> STARTED event time
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if ev.Status == syncer.StatusStarted {
				started[ev.RunID] = ev.At
				continue
			}
			if !ev.Status.Terminal() {
				continue
			}
			r.recordRun(ev, started[ev.RunID])
			delete(started, ev.RunID)
		}
	}
}

func (r *Recorder) recordRun(ev syncer.Event, startedAt int64) {
	at := time.UnixMilli(ev.At)
	labels := map[string]string{
		"account_id": ev.AccountID,
		"mode":       string(ev.Mode),
		"status":     string(ev.Status),
	}
	if ev.ErrorCategory != "" {
		labels["error_category"] = string(ev.ErrorCategory)
	}
	point := func(name string, v float64, unit string) {
		r.Record(&Metric{Name: name, Timestamp: at, Value: v, Labels: labels, Unit: unit})
	}
	point(MetricRuns, 1, "count")
	point(MetricPages, float64(ev.PagesProcessed), "count")
	point(MetricPostsFound, float64(ev.PostsFound), "count")
	point(MetricNewItems, float64(ev.NewItemsAdded), "count")
	if startedAt > 0 {
		point(MetricRunDurationMs, float64(ev.At-startedAt), "milliseconds")
	}
}
