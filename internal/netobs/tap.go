package netobs

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Tap wraps a base RoundTripper. Every hop through it gets a fresh platform
// id; redirect hops are therefore separate observed requests, re-bound by
// the correlator through its redirect re-registration.
type Tap struct {
	base      http.RoundTripper
	rules     RuleApplier
	observers []Observer
	nextID    atomic.Uint64
}

// NewTap creates a tap over base. Observers are fixed at construction.
func NewTap(base http.RoundTripper, rules RuleApplier, observers ...Observer) *Tap {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Tap{base: base, rules: rules, observers: observers}
}

// RoundTrip applies header rules, publishes the request-begin event, runs
// the base transport and publishes the terminal redirect/headers event.
func (t *Tap) RoundTrip(req *http.Request) (*http.Response, error) {
	platformID := t.nextID.Add(1)
	background := IsBackground(req.Context())

	if t.rules != nil {
		t.rules.Apply(req, background)
	}

	ts := time.Now()
	for _, o := range t.observers {
		o.ObserveRequest(platformID, req.URL.String(), ts)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if loc := redirectTarget(req, resp); loc != "" {
		for _, o := range t.observers {
			o.ObserveRedirect(platformID, loc, resp.StatusCode)
		}
	}
	for _, o := range t.observers {
		o.ObserveHeaders(platformID, resp.StatusCode, statusText(resp), resp.Header)
	}

	return resp, nil
}

// redirectTarget resolves the Location header of a 3xx response against the
// request URL. Empty when the response is not a redirect.
func redirectTarget(req *http.Request, resp *http.Response) string {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return ""
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return ""
	}
	u, err := req.URL.Parse(loc)
	if err != nil {
		return ""
	}
	return u.String()
}

// statusText strips the numeric prefix from "200 OK".
func statusText(resp *http.Response) string {
	status := resp.Status
	if i := strings.IndexByte(status, ' '); i >= 0 {
		return status[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}
