// Package correlate binds logical proxy requests to the transport tap's own
// request ids. The tap assigns its opaque id only at dispatch time and
// honors no caller-supplied correlation field, so the only available signal
// is the pair (normalized URL, timing). Binding the wrong request would be
// worse than losing correlation for one call, so every check failure
// discards the entry instead of guessing.
package correlate

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
)

// Snapshot is the correlator's view of one logical request's response
// metadata, filled in as platform events arrive. Consumers resolve it at
// well-defined points (headers-received, finalize) and cache the result.
type Snapshot struct {
	FinalURL    string
	RedirectURL string
	Status      int
	StatusText  string
	// Headers is the raw response header text, one "Name: value" per line,
	// the way XMLHttpRequest.getAllResponseHeaders presents it.
	Headers string
}

type pendingEntry struct {
	markerID  string
	url       string // normalized
	startedAt time.Time
	resolved  chan struct{} // closed on bind or discard
}

// Correlator owns all correlation state for the daemon: pending
// registrations, the bidirectional platform/marker map and the per-marker
// snapshots. All of it is ephemeral; nothing survives a restart.
type Correlator struct {
	window  time.Duration
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	pending    map[string]*pendingEntry // normalized URL -> entry
	byPlatform map[uint64]string        // platform id -> marker id
	byMarker   map[string]uint64
	snapshots  map[string]*Snapshot

	redirectFn func(markerID, newURL string)
}

// New creates a correlator with the given acceptance window.
func New(window time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Correlator {
	return &Correlator{
		window:     window,
		logger:     logger,
		metrics:    metrics,
		pending:    make(map[string]*pendingEntry),
		byPlatform: make(map[uint64]string),
		byMarker:   make(map[string]uint64),
		snapshots:  make(map[string]*Snapshot),
	}
}

// SetRedirectHandler installs the callback fired (with marker ids, not
// platform ids) when a bound request redirects.
func (c *Correlator) SetRedirectHandler(fn func(markerID, newURL string)) {
	c.redirectFn = fn
}

// Register stores a pending entry for the marker before dispatch. The
// returned channel closes when the entry is resolved either way; the
// executor holds the per-URL serial slot until then.
//
// At most one unresolved entry may exist per normalized URL. A second
// registration for the same URL inside the window is a known, logged race
// (two genuinely concurrent identical calls can cross-bind); the older
// entry is discarded rather than risking a wrong bind for both.
func (c *Correlator) Register(markerID, rawURL string) <-chan struct{} {
	norm := NormalizeURL(rawURL)

	c.mu.Lock()
	if prior, ok := c.pending[norm]; ok {
		close(prior.resolved)
		c.miss("collision")
		c.logger.Warn("concurrent identical request replaced pending correlation entry",
			zap.String("url", norm),
			zap.String("displaced_marker", prior.markerID),
		)
	}
	entry := &pendingEntry{
		markerID:  markerID,
		url:       norm,
		startedAt: time.Now(),
		resolved:  make(chan struct{}),
	}
	c.pending[norm] = entry
	pendingCount := len(c.pending)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CorrelationPending.Set(float64(pendingCount))
	}
	return entry.resolved
}

// ObserveRequest consumes a platform "request observed" event and tries to
// bind it. The event URL must equal the stored URL and the event timestamp
// must fall strictly after startedAt, within the bounded window.
func (c *Correlator) ObserveRequest(platformID uint64, rawURL string, ts time.Time) {
	norm := NormalizeURL(rawURL)

	c.mu.Lock()
	entry, ok := c.pending[norm]
	if !ok {
		c.mu.Unlock()
		return
	}

	delete(c.pending, norm)
	defer close(entry.resolved)

	if norm != entry.url {
		c.mu.Unlock()
		c.miss("url_mismatch")
		c.logger.Warn("correlation mismatch: url", zap.String("url", norm))
		return
	}
	delta := ts.Sub(entry.startedAt)
	if delta <= 0 || delta > c.window {
		c.mu.Unlock()
		c.miss("window")
		c.logger.Warn("correlation mismatch: timing",
			zap.String("marker_id", entry.markerID),
			zap.Duration("delta", delta),
		)
		return
	}

	// A redirect hop rebinds the marker to a fresh platform id; the prior
	// hop's binding must go with it, or Purge would leave it behind and a
	// late headers event for the old id would resurrect a purged snapshot.
	if prev, bound := c.byMarker[entry.markerID]; bound {
		delete(c.byPlatform, prev)
	}
	c.byPlatform[platformID] = entry.markerID
	c.byMarker[entry.markerID] = platformID
	if _, ok := c.snapshots[entry.markerID]; !ok {
		c.snapshots[entry.markerID] = &Snapshot{FinalURL: rawURL}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CorrelationBinds.Inc()
	}
}

// ObserveRedirect translates a redirect event to the marker, records the new
// target in the snapshot, re-registers the target URL so the next hop binds
// to the same marker, and notifies the redirect handler.
func (c *Correlator) ObserveRedirect(platformID uint64, newURL string, status int) {
	c.mu.Lock()
	markerID, ok := c.byPlatform[platformID]
	if !ok {
		c.mu.Unlock()
		return
	}

	snap := c.snapshot(markerID)
	snap.RedirectURL = newURL
	snap.FinalURL = newURL
	snap.Status = status

	norm := NormalizeURL(newURL)
	if _, busy := c.pending[norm]; !busy {
		c.pending[norm] = &pendingEntry{
			markerID:  markerID,
			url:       norm,
			startedAt: time.Now(),
			resolved:  make(chan struct{}),
		}
	}
	fn := c.redirectFn
	c.mu.Unlock()

	if fn != nil {
		fn(markerID, newURL)
	}
}

// ObserveHeaders records the headers-received event for a bound request.
func (c *Correlator) ObserveHeaders(platformID uint64, status int, statusText string, headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	markerID, ok := c.byPlatform[platformID]
	if !ok {
		return
	}

	snap := c.snapshot(markerID)
	snap.Status = status
	snap.StatusText = statusText
	snap.Headers = FormatHeaders(headers)
}

// Lookup translates a platform id to its marker id.
func (c *Correlator) Lookup(platformID uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	markerID, ok := c.byPlatform[platformID]
	return markerID, ok
}

// Snapshot returns a copy of the marker's current snapshot.
func (c *Correlator) Snapshot(markerID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[markerID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Purge drops every piece of correlation state for a marker: both directions
// of the bidirectional map, the snapshot, and any pending entry. Called on
// request completion and on channel disconnection.
func (c *Correlator) Purge(markerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if platformID, ok := c.byMarker[markerID]; ok {
		delete(c.byPlatform, platformID)
		delete(c.byMarker, markerID)
	}
	delete(c.snapshots, markerID)

	for norm, entry := range c.pending {
		if entry.markerID == markerID {
			delete(c.pending, norm)
			close(entry.resolved)
		}
	}
}

// snapshot returns (creating if needed) the mutable snapshot. Callers hold mu.
func (c *Correlator) snapshot(markerID string) *Snapshot {
	snap, ok := c.snapshots[markerID]
	if !ok {
		snap = &Snapshot{}
		c.snapshots[markerID] = snap
	}
	return snap
}

func (c *Correlator) miss(reason string) {
	if c.metrics != nil {
		c.metrics.CorrelationMisses.WithLabelValues(reason).Inc()
	}
}

// NormalizeURL lowercases scheme and host, strips the fragment and drops
// default ports so both sides of the correlation hash to the same key.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	u.Host = host
	return u.String()
}

// FormatHeaders renders headers the way getAllResponseHeaders does:
// sorted, one "name: value" per CRLF-terminated line.
func FormatHeaders(headers http.Header) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, value := range headers[name] {
			b.WriteString(strings.ToLower(name))
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}
