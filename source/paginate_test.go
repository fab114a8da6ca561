package source

import (
	"testing"
	"time"
)

func TestTemplatePaginator(t *testing.T) {
	acc := Account{ID: "acc-1", Handle: "kings room", PageTemplate: "https://social.example/{account}/posts?limit=50&before={before}"}
	p := TemplatePaginator{}

	newest, err := p.PageURL(acc, time.Time{})
	if err != nil {
		t.Fatalf("newest: %v", err)
	}
	if newest != "https://social.example/kings%20room/posts?limit=50" {
		t.Errorf("newest: got %q", newest)
	}

	older, err := p.PageURL(acc, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("older: %v", err)
	}
	if older != "https://social.example/kings%20room/posts?limit=50&before=1700000001" {
		t.Errorf("older: got %q", older)
	}
}

func TestTemplatePaginator_NoTemplate(t *testing.T) {
	if _, err := (TemplatePaginator{}).PageURL(Account{ID: "x"}, time.Time{}); err == nil {
		t.Fatal("expected error for empty template")
	}
}

func TestValidatorsHeaders(t *testing.T) {
	h := Validators{ETag: `"v1"`, LastModified: "Mon, 01 Jan 2024 00:00:00 GMT"}.Headers()
	if h.Get("If-None-Match") != `"v1"` {
		t.Errorf("If-None-Match: got %q", h.Get("If-None-Match"))
	}
	if h.Get("If-Modified-Since") == "" {
		t.Error("If-Modified-Since missing")
	}
	if len(Validators{}.Headers()) != 0 {
		t.Error("empty validators should produce no headers")
	}
}

func TestTemplatePaginator_IncludesCursorSecond(t *testing.T) {
	// WHAT: whole and sub-second cursors both ask for the following second.
	// WHY: posts sharing the cursor's second must appear on the next page.
	acc := Account{ID: "a", PageTemplate: "https://x.example/{account}?before={before}"}
	for _, before := range []time.Time{time.Unix(1700000000, 0), time.UnixMilli(1700000000250)} {
		got, err := (TemplatePaginator{}).PageURL(acc, before)
		if err != nil {
			t.Fatal(err)
		}
		if got != "https://x.example/a?before=1700000001" {
			t.Errorf("%v: got %q", before, got)
		}
	}
}
