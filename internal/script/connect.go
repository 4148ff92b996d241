package script

import (
	"net/url"
	"strings"
)

// ConnectAllows reports whether the manifest's connect list covers the host.
//
// Matching is the userscript convention: an entry matches its exact host and
// every subdomain of it (entry "example.com" covers "api.example.com"), and
// the literal "*" covers everything. This is static manifest trust and is a
// separate mechanism from the "*"-scope caching of user decisions; the two
// must never be unified.
func ConnectAllows(m *Manifest, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}

	for _, entry := range m.Connect {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case entry == host:
			return true
		case strings.HasSuffix(host, "."+entry):
			return true
		}
	}
	return false
}

// HostOf extracts the lowercase hostname from a request URL, without port.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}
