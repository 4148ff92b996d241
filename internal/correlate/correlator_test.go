package correlate

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/internal/logging"
)

func newTestCorrelator(window time.Duration) *Correlator {
	return New(window, logging.NewNop(), nil)
}

func TestBindWithinWindow(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	resolved := c.Register("mkr_1", "https://example.com/data")
	c.ObserveRequest(42, "https://example.com/data", time.Now().Add(10*time.Millisecond))

	select {
	case <-resolved:
	default:
		t.Fatal("pending entry not resolved after bind")
	}

	marker, ok := c.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "mkr_1", marker)
}

func TestBindNormalizesURL(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.Register("mkr_1", "HTTPS://Example.COM:443/data#frag")
	c.ObserveRequest(7, "https://example.com/data", time.Now().Add(time.Millisecond))

	_, ok := c.Lookup(7)
	assert.True(t, ok)
}

func TestDiscardOutsideWindow(t *testing.T) {
	c := newTestCorrelator(50 * time.Millisecond)

	resolved := c.Register("mkr_1", "https://example.com/slow")
	c.ObserveRequest(1, "https://example.com/slow", time.Now().Add(200*time.Millisecond))

	select {
	case <-resolved:
	default:
		t.Fatal("discard must still resolve the pending entry")
	}
	_, ok := c.Lookup(1)
	assert.False(t, ok, "out-of-window event must not bind")
}

func TestDiscardNonPositiveDelta(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.Register("mkr_1", "https://example.com/x")
	c.ObserveRequest(1, "https://example.com/x", time.Now().Add(-time.Second))

	_, ok := c.Lookup(1)
	assert.False(t, ok, "event timestamped before registration must not bind")
}

func TestUnknownURLIgnored(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.ObserveRequest(9, "https://nobody-asked.example.com/", time.Now())
	_, ok := c.Lookup(9)
	assert.False(t, ok)
}

func TestCollisionReplacesOlderEntry(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	first := c.Register("mkr_old", "https://example.com/same")
	second := c.Register("mkr_new", "https://example.com/same")

	select {
	case <-first:
	default:
		t.Fatal("displaced entry must be resolved")
	}

	c.ObserveRequest(5, "https://example.com/same", time.Now().Add(time.Millisecond))
	<-second

	marker, ok := c.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "mkr_new", marker, "the newer registration wins the bind")
}

func TestRedirectRebindsNextHop(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	var gotMarker, gotURL string
	c.SetRedirectHandler(func(markerID, newURL string) {
		gotMarker, gotURL = markerID, newURL
	})

	c.Register("mkr_1", "https://a.example.com/start")
	c.ObserveRequest(1, "https://a.example.com/start", time.Now().Add(time.Millisecond))
	c.ObserveRedirect(1, "https://b.example.com/landed", 302)

	assert.Equal(t, "mkr_1", gotMarker)
	assert.Equal(t, "https://b.example.com/landed", gotURL)

	// The next hop is a fresh platform request for the redirect target; it
	// must bind back to the same marker.
	c.ObserveRequest(2, "https://b.example.com/landed", time.Now().Add(time.Millisecond))
	marker, ok := c.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "mkr_1", marker)

	snap, ok := c.Snapshot("mkr_1")
	require.True(t, ok)
	assert.Equal(t, "https://b.example.com/landed", snap.FinalURL)
	assert.Equal(t, "https://b.example.com/landed", snap.RedirectURL)
	assert.Equal(t, 302, snap.Status)
}

func TestObserveHeadersFillsSnapshot(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.Register("mkr_1", "https://example.com/ok")
	c.ObserveRequest(3, "https://example.com/ok", time.Now().Add(time.Millisecond))

	headers := http.Header{}
	headers.Set("Content-Type", "text/html")
	headers.Set("X-Thing", "yes")
	c.ObserveHeaders(3, 200, "OK", headers)

	snap, ok := c.Snapshot("mkr_1")
	require.True(t, ok)
	assert.Equal(t, 200, snap.Status)
	assert.Equal(t, "OK", snap.StatusText)
	assert.Contains(t, snap.Headers, "content-type: text/html\r\n")
	assert.Contains(t, snap.Headers, "x-thing: yes\r\n")
}

func TestPurgeDropsEverything(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.Register("mkr_1", "https://example.com/a")
	c.ObserveRequest(4, "https://example.com/a", time.Now().Add(time.Millisecond))
	pending := c.Register("mkr_1", "https://example.com/b")

	c.Purge("mkr_1")

	select {
	case <-pending:
	default:
		t.Fatal("purge must resolve pending entries")
	}
	_, ok := c.Lookup(4)
	assert.False(t, ok)
	_, ok = c.Snapshot("mkr_1")
	assert.False(t, ok)
}

func TestPurgeAfterRedirectChain(t *testing.T) {
	c := newTestCorrelator(500 * time.Millisecond)

	c.Register("mkr_1", "https://example.com/start")
	c.ObserveRequest(1, "https://example.com/start", time.Now().Add(time.Millisecond))
	c.ObserveRedirect(1, "https://example.com/landed", 302)
	c.ObserveRequest(2, "https://example.com/landed", time.Now().Add(time.Millisecond))

	// The rebind moves the marker to the new hop; the first hop's binding
	// goes away with it.
	_, ok := c.Lookup(1)
	assert.False(t, ok)
	marker, ok := c.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "mkr_1", marker)

	c.Purge("mkr_1")

	_, ok = c.Lookup(1)
	assert.False(t, ok)
	_, ok = c.Lookup(2)
	assert.False(t, ok)
	_, ok = c.Snapshot("mkr_1")
	assert.False(t, ok)

	// A late headers event for a stale hop id must not resurrect state.
	c.ObserveHeaders(1, 200, "OK", http.Header{"Content-Type": []string{"text/html"}})
	_, ok = c.Snapshot("mkr_1")
	assert.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips fragment", "https://example.com/p#section", "https://example.com/p"},
		{"drops default https port", "https://example.com:443/p", "https://example.com/p"},
		{"drops default http port", "http://example.com:80/p", "http://example.com/p"},
		{"keeps custom port", "https://example.com:8443/p", "https://example.com:8443/p"},
		{"keeps query", "https://example.com/p?b=2&a=1", "https://example.com/p?b=2&a=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestFormatHeadersSorted(t *testing.T) {
	h := http.Header{}
	h.Set("Zebra", "last")
	h.Set("Alpha", "first")
	h.Add("Alpha", "second")

	out := FormatHeaders(h)
	assert.Equal(t, "alpha: first\r\nalpha: second\r\nzebra: last\r\n", out)
}
