// Package fetch is the HTTP page-fetch client used by the sync pipeline.
//
// It performs conditional GETs with whatever validator headers the content
// cache hands it and reports the new validators back. It never decides
// freshness itself.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/source"
)

// Config configures the Client.
type Config struct {
	Timeout      time.Duration // Default: 30s.
	MaxBytes     int64         // Max body size. Default: 10MB.
	MaxRedirects int           // Default: 5.
	UserAgent    string
	// URLValidator runs before every request and redirect. Default: ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "sourcesync/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
}

// Client implements source.Fetcher.
type Client struct {
	http *http.Client
	cfg  Config
}

var _ source.Fetcher = (*Client)(nil)

// New creates a Client. Redirect targets are validated like the original URL.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := cfg.URLValidator(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// Fetch performs one GET. On 304 the Response has no body. Non-2xx replies
// return the Response alongside an *errclass.StatusError; 429 carries the
// parsed Retry-After.
func (c *Client) Fetch(ctx context.Context, url string, conditional http.Header) (*source.Response, error) {
	if err := c.cfg.URLValidator(url); err != nil {
		return nil, fmt.Errorf("url blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, vs := range conditional {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	out := &source.Response{
		StatusCode: resp.StatusCode,
		Validators: source.Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}

	if resp.StatusCode == http.StatusNotModified {
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return out, &errclass.StatusError{Code: resp.StatusCode, RetryAfter: out.RetryAfter}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("read body: response exceeds %d bytes", c.cfg.MaxBytes)
	}
	out.Body = body
	return out, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Invalid -> 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
