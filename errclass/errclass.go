// Package errclass maps raw fetch and parse failures onto the error taxonomy
// stored in the attempt ledger and sync state.
//
// Classification is an ordered rule list: each rule is a category plus the
// lowercase substrings that select it. Rules are tried top to bottom and the
// first match wins, so a message mentioning both "timeout" and "network" is a
// TIMEOUT.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Category is a normalized error category.
type Category string

const (
	Timeout          Category = "TIMEOUT"
	Network          Category = "NETWORK"
	NotFound         Category = "NOT_FOUND"
	Forbidden        Category = "FORBIDDEN"
	RateLimited      Category = "RATE_LIMITED"
	ServerError      Category = "SERVER_ERROR"
	ParseError       Category = "PARSE_ERROR"
	UpstreamAPIError Category = "UPSTREAM_API_ERROR"
	Unknown          Category = "UNKNOWN"
)

type rule struct {
	category Category
	needles  []string
}

// rules is evaluated in order. Do not reorder without updating the tests.
var rules = []rule{
	{Timeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{Network, []string{"network", "connection refused", "connection reset", "no such host",
		"econnrefused", "econnreset", "enotfound", "dns", "tls handshake", "broken pipe"}},
	{NotFound, []string{"not found", "404"}},
	{Forbidden, []string{"forbidden", "403", "unauthorized", "401", "access denied"}},
	{RateLimited, []string{"rate limit", "rate-limit", "ratelimit", "too many requests", "429", "throttl"}},
	{ServerError, []string{"server error", "5xx", "500", "502", "503", "504", "bad gateway", "service unavailable"}},
	{ParseError, []string{"parse", "html", "unmarshal", "syntax error", "invalid character", "unexpected end of json"}},
	{UpstreamAPIError, []string{"api error", "upstream", "graph api", "oauth"}},
}

// Classify assigns a category to a raw error message. Empty -> Unknown.
func Classify(msg string) Category {
	if msg == "" {
		return Unknown
	}
	m := strings.ToLower(msg)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(m, n) {
				return r.category
			}
		}
	}
	return Unknown
}

// FromStatus maps an HTTP status code. 2xx/3xx -> Unknown.
func FromStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusNotFound || code == http.StatusGone:
		return NotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Forbidden
	case code >= 500 && code < 600:
		return ServerError
	}
	return Unknown
}

// Of classifies an error chain: typed status errors and context deadlines
// first, then the message text.
func Of(err error) Category {
	if err == nil {
		return Unknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		if c := FromStatus(se.Code); c != Unknown {
			return c
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Classify(err.Error())
}

// Resumable reports whether a sync interrupted with c can be resumed from its
// persisted cursor instead of being treated as a failed run.
func Resumable(c Category) bool {
	return c == Timeout || c == RateLimited
}

// StatusError is returned by fetchers for non-success HTTP replies.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, strings.ToLower(http.StatusText(e.Code)))
}
