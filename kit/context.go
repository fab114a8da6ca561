package kit

import "context"

type ctxKey int

const (
	transportKey ctxKey = iota
	requestIDKey
)

// WithTransport records which surface carried the call, "http" or "mcp".
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the carrying surface, "http" when unset.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

// WithRequestID attaches the request id assigned by the HTTP middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id, "" when unset.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
