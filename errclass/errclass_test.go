package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Category
	}{
		{"", Unknown},
		{"rate limit exceeded", RateLimited},
		{"404 not found", NotFound},
		{"Get https://x: context deadline exceeded", Timeout},
		{"network timeout while reading", Timeout},
		{"dial tcp: connection refused", Network},
		{"http 403: forbidden", Forbidden},
		{"(#4) Application request limit reached: too many requests", RateLimited},
		{"http 503: service unavailable", ServerError},
		{"parsing HTML: unexpected EOF", ParseError},
		{"json: cannot unmarshal string", ParseError},
		{"Graph API returned code 190", UpstreamAPIError},
		{"something odd happened", Unknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// WHAT: A message matching several rules takes the earliest rule.
	// WHY: Ledger categories must be stable regardless of message wording order.
	if got := Classify("network error after timeout"); got != Timeout {
		t.Fatalf("got %s, want TIMEOUT", got)
	}
	if got := Classify("upstream returned 404"); got != NotFound {
		t.Fatalf("got %s, want NOT_FOUND", got)
	}
}

func TestFromStatus(t *testing.T) {
	cases := map[int]Category{
		200: Unknown,
		304: Unknown,
		401: Forbidden,
		403: Forbidden,
		404: NotFound,
		410: NotFound,
		408: Timeout,
		429: RateLimited,
		500: ServerError,
		599: ServerError,
	}
	for code, want := range cases {
		if got := FromStatus(code); got != want {
			t.Errorf("FromStatus(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestOf(t *testing.T) {
	if got := Of(nil); got != Unknown {
		t.Errorf("nil: got %s", got)
	}
	wrapped := fmt.Errorf("fetch page: %w", &StatusError{Code: 429})
	if got := Of(wrapped); got != RateLimited {
		t.Errorf("status error: got %s", got)
	}
	if got := Of(fmt.Errorf("do: %w", context.DeadlineExceeded)); got != Timeout {
		t.Errorf("deadline: got %s", got)
	}
	if got := Of(errors.New("dns lookup failed")); got != Network {
		t.Errorf("message: got %s", got)
	}
}

func TestResumable(t *testing.T) {
	for _, c := range []Category{Timeout, RateLimited} {
		if !Resumable(c) {
			t.Errorf("%s should be resumable", c)
		}
	}
	for _, c := range []Category{Network, NotFound, ServerError, ParseError, Unknown} {
		if Resumable(c) {
			t.Errorf("%s should not be resumable", c)
		}
	}
}
