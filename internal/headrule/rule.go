// Package headrule manages ephemeral per-request header rewrite rules. The
// request primitive refuses to set certain unsafe header names directly, so
// those are lifted into declarative rules applied at the transport tap,
// scoped to background-only traffic matching the target URL and method.
package headrule

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scriptgate/scriptgate/internal/correlate"
)

// Op kinds for a header operation.
const (
	OpSet    = "set"
	OpRemove = "remove"
)

// HeaderOp is one set/remove operation carried by a rule.
type HeaderOp struct {
	Op    string `json:"op"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Rule rewrites headers for requests matching its filter. Each rule is
// scoped to exactly one logical request and deleted on terminal completion.
type Rule struct {
	ID              int64      `json:"id"`
	MarkerID        string     `json:"marker_id"`
	URLFilter       string     `json:"url_filter"`
	Method          string     `json:"method,omitempty"`
	Ops             []HeaderOp `json:"ops"`
	FollowsRedirect bool       `json:"follows_redirect"`
	BackgroundOnly  bool       `json:"background_only"`
}

// Matches reports whether the rule applies to the given request URL/method.
func (r *Rule) Matches(rawURL, method string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	ok, err := doublestar.Match(r.URLFilter, correlate.NormalizeURL(rawURL))
	return err == nil && ok
}

// FilterForURL builds a rule's URL filter: the normalized request URL with
// query and fragment stripped, plus a trailing glob so query ordering does
// not defeat the match.
func FilterForURL(rawURL string) string {
	norm := correlate.NormalizeURL(rawURL)
	if i := strings.IndexByte(norm, '?'); i >= 0 {
		norm = norm[:i]
	}
	return escapeGlob(norm) + "*"
}

// escapeGlob neutralizes glob metacharacters that can appear in URLs.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unsafeExact lists header names the primitive cannot set directly.
var unsafeExact = map[string]bool{
	"cookie":     true,
	"cookie2":    true,
	"origin":     true,
	"referer":    true,
	"user-agent": true,
	"host":       true,
}

// UnsafeHeader reports whether a header must travel via a rewrite rule
// instead of being set on the request directly.
func UnsafeHeader(name string) bool {
	lower := strings.ToLower(name)
	if unsafeExact[lower] {
		return true
	}
	return strings.HasPrefix(lower, "proxy-") || strings.HasPrefix(lower, "sec-")
}
