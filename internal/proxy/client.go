package proxy

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/scriptgate/scriptgate/internal/shared/types"
)

// Clients builds the two request primitives over the shared transport tap.
//
// The native primitive (retryablehttp) is the plain mode: it follows
// redirects on its own and retries transient transport failures. The
// streaming adapter (resty) is used whenever the request needs behavior the
// native primitive cannot express: progressive body reads, non-default
// redirect policies, anonymous mode or fetch emulation.
type Clients struct {
	tap       http.RoundTripper
	jars      *JarSet
	userAgent string
}

// NewClients creates the primitive factory.
func NewClients(tap http.RoundTripper, jars *JarSet, userAgent string) *Clients {
	return &Clients{tap: tap, jars: jars, userAgent: userAgent}
}

// UserAgent is the default User-Agent applied when the caller sets none.
func (c *Clients) UserAgent() string { return c.userAgent }

// Native returns a fresh retrying client for one request.
func (c *Clients) Native(partition string, anonymous bool) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient = &http.Client{Transport: c.tap}
	if !anonymous {
		client.HTTPClient.Jar = c.jars.Jar(partition)
	}
	return client
}

// Streaming returns a fresh resty client for one request, configured for
// raw body access and the given redirect policy.
func (c *Clients) Streaming(policy types.RedirectPolicy, partition string, anonymous bool) *resty.Client {
	httpClient := &http.Client{Transport: c.tap}
	if !anonymous {
		httpClient.Jar = c.jars.Jar(partition)
	}

	client := resty.NewWithClient(httpClient)
	client.SetDoNotParseResponse(true)
	switch policy.Normalize() {
	case types.RedirectFollow:
		client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	default:
		// error and manual both stop at the first 3xx; the executor decides
		// whether that response is a failure or the deliverable.
		client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	}
	return client
}
