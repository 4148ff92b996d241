package proxy

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// JarSet keeps one cookie jar per partition key. The empty partition is the
// default jar; distinct partitions never see each other's cookies. It is
// both the executor's response-cookie sink (via the HTTP client jar) and
// the header rule manager's cookie source.
type JarSet struct {
	mu   sync.Mutex
	jars map[string]http.CookieJar
}

// NewJarSet creates an empty jar collection.
func NewJarSet() *JarSet {
	return &JarSet{jars: make(map[string]http.CookieJar)}
}

// Jar returns (creating if needed) the jar for a partition.
func (j *JarSet) Jar(partition string) http.CookieJar {
	j.mu.Lock()
	defer j.mu.Unlock()
	jar, ok := j.jars[partition]
	if !ok {
		// cookiejar.New only errors on bad options; these are fixed.
		jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		j.jars[partition] = jar
	}
	return jar
}

// Cookies returns the partition's stored cookies for a target URL.
func (j *JarSet) Cookies(u *url.URL, partition string) []*http.Cookie {
	return j.Jar(partition).Cookies(u)
}

// SetCookies stores response cookies into the partition's jar.
func (j *JarSet) SetCookies(u *url.URL, partition string, cookies []*http.Cookie) {
	j.Jar(partition).SetCookies(u, cookies)
}
