package proxy

import (
	"context"
	"sync/atomic"
)

// Handle is the caller's grip on one in-flight request.
type Handle struct {
	markerID string
	cancel   context.CancelFunc
	aborted  atomic.Bool
	done     chan struct{}
}

func newHandle(markerID string, cancel context.CancelFunc) *Handle {
	return &Handle{markerID: markerID, cancel: cancel, done: make(chan struct{})}
}

// MarkerID returns the request's marker.
func (h *Handle) MarkerID() string { return h.markerID }

// Abort cancels the request. The abort event fires through the normal
// lifecycle stream; calling Abort twice is harmless.
func (h *Handle) Abort() {
	h.aborted.Store(true)
	h.cancel()
}

// Aborted reports whether Abort was called.
func (h *Handle) Aborted() bool { return h.aborted.Load() }

// Done closes when the request has fully settled, cleanup included.
func (h *Handle) Done() <-chan struct{} { return h.done }
