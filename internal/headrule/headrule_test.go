package headrule

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/shared/types"
	"github.com/scriptgate/scriptgate/internal/store"
)

type staticCookies struct {
	cookies []*http.Cookie
}

func (s *staticCookies) Cookies(*url.URL, string) []*http.Cookie { return s.cookies }

func newTestManager(t *testing.T, cookies CookieSource) (*Manager, *Engine) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	counter, err := OpenCounter(st)
	require.NoError(t, err)

	engine := NewEngine()
	return NewManager(engine, counter, cookies, logging.NewNop(), nil), engine
}

func TestUnsafeHeader(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Cookie", true},
		{"cookie2", true},
		{"Origin", true},
		{"Referer", true},
		{"User-Agent", true},
		{"Host", true},
		{"Proxy-Authorization", true},
		{"Sec-Fetch-Mode", true},
		{"Accept", false},
		{"Content-Type", false},
		{"X-Custom", false},
		{"Authorization", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnsafeHeader(tt.name))
		})
	}
}

func TestFilterMatchesQueryVariants(t *testing.T) {
	filter := FilterForURL("https://example.com/api?b=2&a=1")

	rule := &Rule{URLFilter: filter}
	assert.True(t, rule.Matches("https://example.com/api?a=1&b=2", "GET"))
	assert.True(t, rule.Matches("https://example.com/api", "GET"))
	assert.False(t, rule.Matches("https://example.com/other", "GET"))
}

func TestRuleMethodScoping(t *testing.T) {
	rule := &Rule{URLFilter: FilterForURL("https://example.com/x"), Method: "POST"}
	assert.True(t, rule.Matches("https://example.com/x", "post"))
	assert.False(t, rule.Matches("https://example.com/x", "GET"))
}

func TestInstallLiftsUnsafeHeaders(t *testing.T) {
	m, engine := newTestManager(t, nil)

	err := m.Install("mkr_1", &InstallSpec{
		URL:    "https://example.com/api",
		Method: "GET",
		Headers: map[string]string{
			"Referer":  "https://example.com/page",
			"Accept":   "application/json",
			"X-Custom": "v",
		},
	})
	require.NoError(t, err)

	rule, ok := m.RuleFor("mkr_1")
	require.True(t, ok)
	assert.True(t, rule.BackgroundOnly)

	req, _ := http.NewRequest("GET", "https://example.com/api", nil)
	engine.Apply(req, true)
	assert.Equal(t, "https://example.com/page", req.Header.Get("Referer"))
	// Safe headers travel on the request itself, not through rules.
	assert.Empty(t, req.Header.Get("Accept"))
}

func TestInstallSkipsForegroundRequests(t *testing.T) {
	m, engine := newTestManager(t, nil)
	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:     "https://example.com/api",
		Method:  "GET",
		Headers: map[string]string{"Referer": "https://example.com/"},
	}))

	req, _ := http.NewRequest("GET", "https://example.com/api", nil)
	engine.Apply(req, false)
	assert.Empty(t, req.Header.Get("Referer"))
}

func TestInstallNoOpsNoRule(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:       "https://example.com/api",
		Method:    "GET",
		Headers:   map[string]string{"Accept": "text/plain"},
		Anonymous: false,
	}))

	_, ok := m.RuleFor("mkr_1")
	assert.False(t, ok, "a request needing no rewrites installs no rule")
}

func TestCookieAssembly(t *testing.T) {
	jar := &staticCookies{cookies: []*http.Cookie{
		{Name: "session", Value: "abc"},
		{Name: "theme", Value: "dark"},
	}}
	m, engine := newTestManager(t, jar)

	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:     "https://example.com/api",
		Method:  "GET",
		Headers: map[string]string{"Cookie": "explicit=1"},
		Cookie:  "caller=2",
	}))

	req, _ := http.NewRequest("GET", "https://example.com/api", nil)
	engine.Apply(req, true)
	assert.Equal(t, "caller=2; explicit=1; session=abc; theme=dark", req.Header.Get("Cookie"))
}

func TestAnonymousRemovesCookies(t *testing.T) {
	jar := &staticCookies{cookies: []*http.Cookie{{Name: "session", Value: "abc"}}}
	m, engine := newTestManager(t, jar)

	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:       "https://example.com/api",
		Method:    "GET",
		Anonymous: true,
	}))

	req, _ := http.NewRequest("GET", "https://example.com/api", nil)
	req.Header.Set("Cookie", "ambient=1")
	engine.Apply(req, true)
	assert.Empty(t, req.Header.Get("Cookie"))
}

func TestRedirectCloneDropsCookieOp(t *testing.T) {
	m, engine := newTestManager(t, nil)

	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:    "https://a.example.com/start",
		Method: "GET",
		Headers: map[string]string{
			"Cookie":  "secret=1",
			"Referer": "https://a.example.com/",
		},
	}))
	original, ok := m.RuleFor("mkr_1")
	require.True(t, ok)

	m.OnRedirect("mkr_1", "https://b.example.com/landed")

	clone, ok := m.RuleFor("mkr_1")
	require.True(t, ok)
	assert.NotEqual(t, original.ID, clone.ID, "clone gets a fresh rule id")
	_, stillThere := engine.Get(original.ID)
	assert.False(t, stillThere, "original rule removed on redirect")

	req, _ := http.NewRequest("GET", "https://b.example.com/landed", nil)
	engine.Apply(req, true)
	assert.Empty(t, req.Header.Get("Cookie"), "cookie must not leak to the redirect target")
	assert.Equal(t, "https://a.example.com/", req.Header.Get("Referer"))
}

func TestManualRedirectTearsDown(t *testing.T) {
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:      "https://a.example.com/start",
		Method:   "GET",
		Headers:  map[string]string{"Referer": "https://a.example.com/"},
		Redirect: types.RedirectManual,
	}))

	m.OnRedirect("mkr_1", "https://b.example.com/landed")
	_, ok := m.RuleFor("mkr_1")
	assert.False(t, ok, "manual policy deletes the rule and lets the caller observe the redirect")
}

func TestTeardownIdempotent(t *testing.T) {
	m, engine := newTestManager(t, nil)

	require.NoError(t, m.Install("mkr_1", &InstallSpec{
		URL:     "https://example.com/api",
		Method:  "GET",
		Headers: map[string]string{"Referer": "https://example.com/"},
	}))
	m.Teardown("mkr_1")
	m.Teardown("mkr_1")
	assert.Zero(t, engine.Active())
}

func TestCounterMonotonicAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	counter, err := OpenCounter(st)
	require.NoError(t, err)

	first, err := counter.Allocate()
	require.NoError(t, err)
	second, err := counter.Allocate()
	require.NoError(t, err)
	assert.Greater(t, second, first)
	require.NoError(t, st.Close())

	st2, err := store.Open(dir)
	require.NoError(t, err)
	defer st2.Close()
	counter2, err := OpenCounter(st2)
	require.NoError(t, err)

	third, err := counter2.Allocate()
	require.NoError(t, err)
	assert.Greater(t, third, second, "ids never repeat across restarts")
}
