package internal

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// HTTPClientFromContext returns a *http.Client for use. It will first check the
// context for the oauth2.HTTPClient, then explicit if not nil, then falling
// back to the default client.
func HTTPClientFromContext(ctx context.Context, explicit *http.Client) *http.Client {
	hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client)
	if ok {
		return hc
	}
	if explicit != nil {
		return explicit
	}
	return http.DefaultClient
}

// WithTimeout bounds ctx by d, unless d is zero or the context already has an
// earlier deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
