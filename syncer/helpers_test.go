package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sourcesync/contentcache"
	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/destination"
	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/fingerprint"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/parse"
	"github.com/hazyhaar/sourcesync/pipeline"
	"github.com/hazyhaar/sourcesync/source"
)

var newest = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// feed is a fake paginated account: posts newest first, pageSize per page,
// pages selected by the before query parameter (unix seconds, exclusive).
// Posts are kept sorted newest first.
type feed struct {
	mu       sync.Mutex
	posts    []source.Item
	pageSize int
	requests int
	// fail returns an error for the nth request (1-based), or nil.
	fail func(n int) error
	// onRequest runs before each reply.
	onRequest func(n int)
}

func newFeed(n int) *feed {
	f := &feed{pageSize: 50}
	for i := 0; i < n; i++ {
		f.posts = append(f.posts, source.Item{
			NaturalKey: fmt.Sprintf("p%03d", i),
			PostedAt:   newest.Add(-time.Duration(i) * time.Hour),
		})
	}
	return f
}

// prepend adds n posts newer than every existing one.
func (f *feed) prepend(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	top := f.posts[0].PostedAt
	var fresh []source.Item
	for i := n; i >= 1; i-- {
		fresh = append(fresh, source.Item{
			NaturalKey: fmt.Sprintf("new%02d", i),
			PostedAt:   top.Add(time.Duration(i) * time.Hour),
		})
	}
	f.posts = append(fresh, f.posts...)
}

func (f *feed) Fetch(_ context.Context, raw string, _ http.Header) (*source.Response, error) {
	f.mu.Lock()
	f.requests++
	n := f.requests
	hook, fail := f.onRequest, f.fail
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail != nil {
		if err := fail(n); err != nil {
			if se, ok := err.(*errclass.StatusError); ok {
				return &source.Response{StatusCode: se.Code, RetryAfter: se.RetryAfter}, err
			}
			return nil, err
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	var before time.Time
	if v := u.Query().Get("before"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		before = time.Unix(secs, 0)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var page []source.Item
	more := false
	for _, p := range f.posts {
		if !before.IsZero() && !p.PostedAt.Before(before) {
			continue
		}
		if len(page) == f.pageSize {
			more = true
			break
		}
		page = append(page, p)
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, p := range page {
		fmt.Fprintf(&b, `<article data-post-id=%q><time datetime=%q>.</time><h2 class="post-title">%s</h2></article>`,
			p.NaturalKey, p.PostedAt.Format(time.RFC3339), p.NaturalKey)
	}
	if more {
		b.WriteString(`<a rel="next" href="#older">older</a>`)
	}
	b.WriteString("</body></html>")
	return &source.Response{StatusCode: 200, Body: []byte(b.String())}, nil
}

// insertTie adds a post with the same timestamp as the post at index i,
// right after it.
func (f *feed) insertTie(i int, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tie := source.Item{NaturalKey: key, PostedAt: f.posts[i].PostedAt}
	f.posts = append(f.posts[:i+1], append([]source.Item{tie}, f.posts[i+1:]...)...)
}

func (f *feed) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type failingLedger struct{}

func (failingLedger) Insert(context.Context, *ledger.Attempt) error {
	return fmt.Errorf("ledger store offline")
}

type env struct {
	coord  *Coordinator
	feed   *feed
	dest   *destination.Store
	states *StateStore
	acct   source.Account
}

type envOption func(*envConfig)

type envConfig struct {
	cfg    Config
	writer ledger.Writer
	now    func() time.Time
	proc   PageProcessor
	// wrapDest decorates the SQLite destination.
	wrapDest func(source.Destination) source.Destination
}

func newEnv(t *testing.T, f *feed, opts ...envOption) *env {
	t.Helper()
	ec := envConfig{}
	for _, o := range opts {
		o(&ec)
	}
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(contentcache.Schema),
		dbopen.WithSchema(fingerprint.Schema),
		dbopen.WithSchema(ledger.Schema),
		dbopen.WithSchema(destination.Schema),
		dbopen.WithSchema(StateSchema))

	w := ec.writer
	if w == nil {
		w = ledger.NewStore(db)
	}
	proc := ec.proc
	if proc == nil {
		proc = pipeline.New(pipeline.Deps{
			Cache:   contentcache.New(db, contentcache.NewMemBlobs()),
			Fetcher: f,
			Parser:  parse.New(parse.Selectors{}),
			Catalog: fingerprint.NewCatalog(db),
			Ledger:  ledger.New(w),
		})
	}
	e := &env{
		feed:   f,
		dest:   destination.New(db),
		states: NewStateStore(db),
		acct:   source.Account{ID: "acct-1", Handle: "kingsroom", PageTemplate: "https://social.example/{account}/posts?before={before}"},
	}
	var dest source.Destination = e.dest
	if ec.wrapDest != nil {
		dest = ec.wrapDest(dest)
	}
	e.coord = New(ec.cfg, Deps{
		Processor:   proc,
		Destination: dest,
		States:      e.states,
		Now:         ec.now,
	})
	return e
}

func (e *env) keys(t *testing.T) []string {
	t.Helper()
	items, err := e.dest.List(context.Background(), e.acct.ID, 1000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.NaturalKey
	}
	sort.Strings(out)
	return out
}

func rateLimitOn(req int) func(int) error {
	return func(n int) error {
		if n == req {
			return &errclass.StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Minute}
		}
		return nil
	}
}
