package netobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	requests  []uint64
	urls      []string
	redirects []string
	headers   []int
}

func (o *recordingObserver) ObserveRequest(platformID uint64, url string, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, platformID)
	o.urls = append(o.urls, url)
}

func (o *recordingObserver) ObserveRedirect(platformID uint64, newURL string, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirects = append(o.redirects, newURL)
}

func (o *recordingObserver) ObserveHeaders(_ uint64, status int, _ string, _ http.Header) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headers = append(o.headers, status)
}

type headerStamp struct {
	backgroundSeen bool
}

func (r *headerStamp) Apply(req *http.Request, background bool) {
	r.backgroundSeen = background
	req.Header.Set("X-Stamped", "yes")
}

func TestTapAssignsFreshIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := &http.Client{Transport: NewTap(nil, nil, obs)}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL + "/x")
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, obs.requests, 3)
	assert.Equal(t, []uint64{1, 2, 3}, obs.requests)
	assert.Equal(t, []int{200, 200, 200}, obs.headers)
}

func TestTapAppliesRules(t *testing.T) {
	var stamped string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamped = r.Header.Get("X-Stamped")
	}))
	defer srv.Close()

	rules := &headerStamp{}
	client := &http.Client{Transport: NewTap(nil, rules)}

	req, err := http.NewRequestWithContext(WithBackground(context.Background()), "GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "yes", stamped)
	assert.True(t, rules.backgroundSeen)
}

func TestTapEmitsRedirectEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landed", http.StatusFound)
	})
	mux.HandleFunc("/landed", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	obs := &recordingObserver{}
	client := &http.Client{Transport: NewTap(nil, nil, obs)}

	resp, err := client.Get(srv.URL + "/start")
	require.NoError(t, err)
	resp.Body.Close()

	// Two hops, two platform requests.
	require.Len(t, obs.requests, 2)
	assert.Equal(t, []string{srv.URL + "/start", srv.URL + "/landed"}, obs.urls)
	require.Len(t, obs.redirects, 1)
	assert.Equal(t, srv.URL+"/landed", obs.redirects[0])
}

func TestBackgroundContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsBackground(ctx))
	assert.True(t, IsBackground(WithBackground(ctx)))
}
