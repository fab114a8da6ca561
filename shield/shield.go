// Package shield is the HTTP middleware stack in front of the sync API.
package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hazyhaar/sourcesync/idgen"
	"github.com/hazyhaar/sourcesync/kit"
)

type contextKey string

const loggerKey contextKey = "shield_logger"

// HeaderConfig defines the security headers applied to every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// DefaultHeaders suits a JSON API with no browser-rendered pages.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityHeaders sets the configured headers on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.XFrameOptions != "" {
				h.Set("X-Frame-Options", cfg.XFrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CSP != "" {
				h.Set("Content-Security-Policy", cfg.CSP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps request bodies of methods that carry one.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// RequestID tags each request with an id, reusing a well-formed incoming
// X-Request-ID. The id goes into the context, the response headers and a
// per-request logger.
func RequestID(logger *slog.Logger, gen idgen.Generator) func(http.Handler) http.Handler {
	if gen == nil {
		gen = idgen.Prefixed("req_", idgen.Default)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if !validRequestID.MatchString(id) {
				id = gen()
			}
			w.Header().Set("X-Request-ID", id)

			l := logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			l.Debug("request", "remote_addr", r.RemoteAddr)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			ctx = context.WithValue(ctx, loggerKey, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger returns the per-request logger, or slog.Default outside a request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack is the middleware stack of the sync API.
func DefaultStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(32 << 20),
		RequestID(logger, nil),
	}
}
