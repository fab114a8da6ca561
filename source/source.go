// Package source defines the types shared by the cache, fingerprinter,
// ledger and sync coordinator, and the interfaces of the collaborators they
// consume: the page fetcher, the content parser and the destination store.
package source

import (
	"context"
	"net/http"
	"time"
)

// Key identifies a cache record: the page URL plus an optional secondary
// identifier (account or tournament id).
type Key struct {
	URL       string `json:"url"`
	Secondary string `json:"secondary,omitempty"`
}

// Validators are the HTTP conditional-caching tokens returned by a source.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Empty reports whether neither validator is set.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Headers returns the conditional request headers for v.
func (v Validators) Headers() http.Header {
	h := http.Header{}
	if v.ETag != "" {
		h.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		h.Set("If-Modified-Since", v.LastModified)
	}
	return h
}

// Response is what a Fetcher returns. Body is nil on 304.
type Response struct {
	StatusCode int
	Body       []byte
	Validators Validators
	RetryAfter time.Duration
}

// NotModified reports a 304 reply.
func (r *Response) NotModified() bool {
	return r != nil && r.StatusCode == http.StatusNotModified
}

// Fetcher performs one network request. conditional may be nil.
type Fetcher interface {
	Fetch(ctx context.Context, url string, conditional http.Header) (*Response, error)
}

// Indicators are the parse fields the structure label is built from.
type Indicators struct {
	Status       string `json:"status,omitempty"`
	Registration string `json:"registration,omitempty"`
	HasResults   bool   `json:"has_results,omitempty"`
	HasSeating   bool   `json:"has_seating,omitempty"`
	HasLevels    bool   `json:"has_levels,omitempty"`
	HasEntries   bool   `json:"has_entries,omitempty"`
}

// Item is one mergeable unit extracted from a page (a post, a game entry).
// NaturalKey is the platform-assigned id used to deduplicate merges.
type Item struct {
	NaturalKey string    `json:"natural_key"`
	PostedAt   time.Time `json:"posted_at"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
	URL        string    `json:"url,omitempty"`
}

// ParseResult is the structured output of a Parser.
type ParseResult struct {
	// Keys are the semantic keys the parse populated.
	Keys       []string          `json:"keys"`
	Indicators Indicators        `json:"indicators"`
	Summary    map[string]string `json:"summary,omitempty"`
	Items      []Item            `json:"items,omitempty"`
	// HasMore is false when the page says there is nothing older.
	HasMore bool `json:"has_more"`
}

// Parser turns a fetched body into a ParseResult.
type Parser interface {
	Parse(ctx context.Context, url string, body []byte) (*ParseResult, error)
}

// Destination merges items idempotently by natural key and reports how many
// were newly inserted.
type Destination interface {
	Upsert(ctx context.Context, accountID string, items []Item) (int, error)
}

// Trigger records what started an attempt.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerBulk      Trigger = "bulk"
)
