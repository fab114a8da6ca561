package syncer

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sourcesync/dbopen"
)

func TestBus_SlowSubscriberGetsTerminal(t *testing.T) {
	// WHAT: A full buffer drops progress events but not the terminal one.
	// WHY: Clients may miss progress, never the outcome.
	b := NewBus(time.Second)
	sub := b.Subscribe("a", 1)
	defer sub.Close()

	b.Publish(Event{AccountID: "a", Status: StatusStarted, Seq: 1})
	b.Publish(Event{AccountID: "a", Status: StatusInProgress, Seq: 2}) // dropped

	done := make(chan struct{})
	go func() {
		b.Publish(Event{AccountID: "a", Status: StatusCompleted, Seq: 3})
		close(done)
	}()

	if ev := <-sub.C; ev.Seq != 1 {
		t.Fatalf("first: %+v", ev)
	}
	if ev := <-sub.C; ev.Status != StatusCompleted {
		t.Fatalf("second: %+v", ev)
	}
	<-done
}

func TestBus_FiltersByAccount(t *testing.T) {
	b := NewBus(0)
	a := b.Subscribe("a", 4)
	all := b.Subscribe("", 4)
	defer a.Close()
	defer all.Close()

	b.Publish(Event{AccountID: "b", Status: StatusStarted})
	b.Publish(Event{AccountID: "a", Status: StatusStarted})

	if ev := <-a.C; ev.AccountID != "a" {
		t.Errorf("account sub got %+v", ev)
	}
	if len(all.C) != 2 {
		t.Errorf("global sub: %d events", len(all.C))
	}
}

func TestBus_ClosedSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(time.Hour)
	sub := b.Subscribe("a", 1)
	sub.Close()
	sub.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{AccountID: "a", Status: StatusFailed})
		b.Publish(Event{AccountID: "a", Status: StatusFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a closed subscriber")
	}
}

func TestStateStore_RoundTrip(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(StateSchema))
	s := NewStateStore(db)
	ctx := context.Background()

	st, err := s.Get(ctx, "x")
	if err != nil || st.Status != StatusIdle {
		t.Fatalf("missing state: %+v %v", st, err)
	}

	st.Mode, st.Status, st.OldestItemAt, st.FullHistoryComplete = ModeFull, StatusRateLimited, 42, false
	st.UpdatedAt = 1
	if err := s.Save(ctx, st); err != nil {
		t.Fatal(err)
	}
	st.OldestItemAt = 41
	if err := s.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "x")
	if got.OldestItemAt != 41 || got.Mode != ModeFull || got.Status != StatusRateLimited {
		t.Errorf("state: %+v", got)
	}
	if cur, ok := got.resumeCursor(); !ok || cur.UnixMilli() != 41 {
		t.Errorf("cursor: %v %v", cur, ok)
	}
	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Errorf("list: %d", len(list))
	}
}
