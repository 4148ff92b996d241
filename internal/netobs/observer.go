// Package netobs is the daemon's network-event observation facility: a
// RoundTripper tap that assigns its own opaque request id at dispatch time
// and publishes request-begin, before-redirect and headers-received events.
//
// The tap deliberately carries no caller-supplied correlation field through
// to its events; consumers (the correlator) bind by URL and timing, which is
// the contract the rest of the system is built around.
package netobs

import (
	"context"
	"net/http"
	"time"
)

// Observer consumes the tap's event stream, keyed by the tap's own
// platform id.
type Observer interface {
	ObserveRequest(platformID uint64, url string, ts time.Time)
	ObserveRedirect(platformID uint64, newURL string, status int)
	ObserveHeaders(platformID uint64, status int, statusText string, headers http.Header)
}

// RuleApplier rewrites outgoing request headers before dispatch. The header
// rule engine implements this.
type RuleApplier interface {
	Apply(req *http.Request, background bool)
}

type backgroundKey struct{}

// WithBackground marks a request context as proxy-originated (no visible
// tab). Background-only header rules apply to these requests only.
func WithBackground(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

// IsBackground reports whether the context carries the background mark.
func IsBackground(ctx context.Context) bool {
	v, _ := ctx.Value(backgroundKey{}).(bool)
	return v
}
