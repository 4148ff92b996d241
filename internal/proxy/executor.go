package proxy

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/correlate"
	"github.com/scriptgate/scriptgate/internal/headrule"
	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
	"github.com/scriptgate/scriptgate/internal/netobs"
	"github.com/scriptgate/scriptgate/internal/resilience"
	"github.com/scriptgate/scriptgate/internal/shared/types"
	"github.com/scriptgate/scriptgate/internal/transport"
)

// EventSink receives the normalized lifecycle stream for delivery to the
// sandbox. The channel session implements it.
type EventSink interface {
	SendEvent(markerID string, action types.Action, event *types.ProxyEvent)
	SendChunk(markerID string, action string, data string)
}

// Executor runs proxied requests end to end: correlation registration,
// header rule installation, primitive dispatch, payload chunking and the
// lifecycle event stream.
type Executor struct {
	cfg        *config.ProxyConfig
	clients    *Clients
	correlator *correlate.Correlator
	rules      *headrule.Manager
	codec      *transport.Codec
	breaker    *resilience.Breaker
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	slots slotSet
}

// NewExecutor wires the executor.
func NewExecutor(
	cfg *config.ProxyConfig,
	clients *Clients,
	correlator *correlate.Correlator,
	rules *headrule.Manager,
	codec *transport.Codec,
	breaker *resilience.Breaker,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Executor {
	return &Executor{
		cfg:        cfg,
		clients:    clients,
		correlator: correlator,
		rules:      rules,
		codec:      codec,
		breaker:    breaker,
		logger:     logger,
		metrics:    metrics,
		slots:      slotSet{slots: make(map[string]*slot)},
	}
}

// Start validates the spec and launches the request. Permission checks are
// the caller's job; by the time a spec reaches the executor it is allowed.
func (e *Executor) Start(ctx context.Context, markerID string, spec *RequestSpec, sink EventSink) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(markerID, cancel)
	go e.run(ctx, h, spec, sink)
	return h, nil
}

func (e *Executor) run(ctx context.Context, h *Handle, spec *RequestSpec, sink EventSink) {
	start := time.Now()
	mode := "native"
	if e.useStreaming(spec) {
		mode = "streaming"
	}
	outcome := "load"

	defer func() {
		e.rules.Teardown(h.markerID)
		e.correlator.Purge(h.markerID)
		close(h.done)
		if e.metrics != nil {
			e.metrics.ProxyRequests.WithLabelValues(mode, outcome).Inc()
			e.metrics.ProxyDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		}
	}()

	sink.SendEvent(h.markerID, types.ActionReadyStateChange, &types.ProxyEvent{ReadyState: types.ReadyStateOpened})
	sink.SendEvent(h.markerID, types.ActionLoadStart, &types.ProxyEvent{ReadyState: types.ReadyStateOpened})

	body, bodyCT, err := e.codec.BodyBytes(spec.Body)
	e.codec.ReleaseBody(spec.Body)
	if err != nil {
		e.terminate(h, spec, sink, types.ProxyEvent{FinalURL: spec.URL}, err)
		outcome = "error"
		return
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, spec.Timeout(e.cfg.DefaultTimeout))
	defer cancelTimeout()
	ctx = netobs.WithBackground(ctx)

	// Identical concurrent URLs dispatch one at a time; the slot is held
	// until the correlator resolves the pending entry either way.
	release := e.slots.acquire(correlate.NormalizeURL(spec.URL))
	resolved := e.correlator.Register(h.markerID, spec.URL)
	go func() {
		<-resolved
		release()
	}()

	if err := e.rules.Install(h.markerID, &headrule.InstallSpec{
		URL:             spec.URL,
		Method:          spec.Method,
		Headers:         spec.Headers,
		Cookie:          spec.Cookie,
		CookiePartition: spec.CookiePartition,
		Anonymous:       spec.Anonymous,
		Redirect:        spec.Redirect,
	}); err != nil {
		// Degraded service: the request still runs, just without the
		// privileged header rewrites.
		e.logger.Warn("header rule installation failed",
			zap.String("marker_id", h.markerID),
			zap.Error(err),
		)
	}

	var meta types.ProxyEvent
	dispatchErr := e.guarded(func() error {
		var err error
		if mode == "streaming" {
			meta, err = e.dispatchStreaming(ctx, h, spec, body, bodyCT, sink)
		} else {
			meta, err = e.dispatchNative(ctx, h, spec, body, bodyCT, sink)
		}
		return err
	})

	if meta.FinalURL == "" {
		meta.FinalURL = spec.URL
	}
	if dispatchErr != nil {
		outcome = e.terminate(h, spec, sink, meta, dispatchErr)
		return
	}

	done := meta
	done.ReadyState = types.ReadyStateDone
	sink.SendEvent(h.markerID, types.ActionLoadEnd, &done)
}

// guarded runs the dispatch under the circuit breaker. Caller-caused
// cancellations and timeouts are not host failures and leave the breaker
// counts untouched.
func (e *Executor) guarded(fn func() error) error {
	var dispatchErr error
	breakerErr := e.breaker.Do(func() error {
		dispatchErr = fn()
		if errors.Is(dispatchErr, context.Canceled) || errors.Is(dispatchErr, context.DeadlineExceeded) {
			return nil
		}
		return dispatchErr
	})
	if breakerErr != nil {
		return breakerErr
	}
	return dispatchErr
}

// terminate emits the failure tail of the lifecycle: readystatechange to
// done, the classified terminal event, then loadend.
func (e *Executor) terminate(h *Handle, spec *RequestSpec, sink EventSink, meta types.ProxyEvent, err error) string {
	action, outcome := classify(h, err)

	meta.ReadyState = types.ReadyStateDone
	if meta.FinalURL == "" {
		meta.FinalURL = spec.URL
	}
	sink.SendEvent(h.markerID, types.ActionReadyStateChange, &meta)

	failed := meta
	failed.Error = err.Error()
	sink.SendEvent(h.markerID, action, &failed)
	sink.SendEvent(h.markerID, types.ActionLoadEnd, &meta)

	e.logger.Debug("proxy request failed",
		zap.String("marker_id", h.markerID),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	return outcome
}

func classify(h *Handle, err error) (types.Action, string) {
	if h.Aborted() {
		return types.ActionAbort, "abort"
	}
	var uerr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
		return types.ActionTimeout, "timeout"
	}
	return types.ActionError, "error"
}

// useStreaming picks the execution mode. The native primitive only covers
// the plain case: follow-redirect, cookie-bearing, fully buffered.
func (e *Executor) useStreaming(spec *RequestSpec) bool {
	kind, _ := spec.ResponseKind()
	return spec.Fetch ||
		kind == transport.KindStream ||
		spec.Redirect.Normalize() != types.RedirectFollow ||
		spec.Anonymous
}

// resolveMeta snapshots the correlator's view of the request. A request
// whose correlation was discarded falls back to the primitive's own values,
// which are correct except across redirects.
func (e *Executor) resolveMeta(markerID string, status int, statusText, headers, finalURL string) types.ProxyEvent {
	if snap, ok := e.correlator.Snapshot(markerID); ok && snap.Status != 0 {
		return types.ProxyEvent{
			FinalURL:        snap.FinalURL,
			Status:          snap.Status,
			StatusText:      snap.StatusText,
			ResponseHeaders: snap.Headers,
		}
	}
	return types.ProxyEvent{
		FinalURL:        finalURL,
		Status:          status,
		StatusText:      statusText,
		ResponseHeaders: headers,
	}
}

// slotSet serializes dispatch per normalized URL.
type slotSet struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu   sync.Mutex
	refs int
}

func (s *slotSet) acquire(key string) (release func()) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	sl.refs++
	s.mu.Unlock()

	sl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sl.mu.Unlock()
			s.mu.Lock()
			sl.refs--
			if sl.refs == 0 {
				delete(s.slots, key)
			}
			s.mu.Unlock()
		})
	}
}
