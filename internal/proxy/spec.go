// Package proxy executes privileged network requests on behalf of sandboxed
// userscripts and streams normalized lifecycle events back to the channel.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/scriptgate/scriptgate/internal/shared/types"
	"github.com/scriptgate/scriptgate/internal/transport"
)

// RequestSpec is the caller's description of one proxied request.
type RequestSpec struct {
	Method          string               `json:"method"`
	URL             string               `json:"url"`
	Headers         map[string]string    `json:"headers,omitempty"`
	Body            *transport.Envelope  `json:"body,omitempty"`
	ResponseType    string               `json:"response_type,omitempty"`
	Anonymous       bool                 `json:"anonymous,omitempty"`
	Redirect        types.RedirectPolicy `json:"redirect,omitempty"`
	TimeoutMS       int64                `json:"timeout_ms,omitempty"`
	Cookie          string               `json:"cookie,omitempty"`
	CookiePartition string               `json:"cookie_partition,omitempty"`
	Fetch           bool                 `json:"fetch,omitempty"`
	User            string               `json:"user,omitempty"`
	Password        string               `json:"password,omitempty"`
	OverrideMime    string               `json:"override_mime_type,omitempty"`
}

// ErrInvalidSpec reports a request spec the executor refuses to dispatch.
var ErrInvalidSpec = errors.New("proxy: invalid request spec")

// Validate normalizes the spec in place and rejects anything undispatchable.
func (s *RequestSpec) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidSpec)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSpec, u.Scheme)
	}
	if s.Method == "" {
		s.Method = "GET"
	}
	s.Method = strings.ToUpper(s.Method)
	s.Redirect = s.Redirect.Normalize()
	if _, err := s.ResponseKind(); err != nil {
		return err
	}
	return nil
}

// ResponseKind maps the requested response type to its payload kind.
func (s *RequestSpec) ResponseKind() (transport.Kind, error) {
	switch s.ResponseType {
	case "", "text":
		return transport.KindText, nil
	case "json":
		return transport.KindJSON, nil
	case "document":
		return transport.KindDocument, nil
	case "arraybuffer":
		return transport.KindArrayBuffer, nil
	case "blob":
		return transport.KindBlob, nil
	case "stream":
		return transport.KindStream, nil
	default:
		return "", fmt.Errorf("%w: unsupported response type %q", ErrInvalidSpec, s.ResponseType)
	}
}

// Timeout resolves the per-request timeout against the configured default.
func (s *RequestSpec) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
