// Package upstream contains the HTTP clients for both quota providers and
// the shared error taxonomy the poller's retry policy is built on.
package upstream

import (
	"net/http"
	"net/url"
	"time"
)

// UserAgent mimics Antigravity's user agent (must match windows/amd64 for compatibility)
const UserAgent = "antigravity/1.11.9 windows/amd64"

// NewHTTPClient builds the shared outbound client. proxyURL is optional;
// when set, all requests are routed through it.
func NewHTTPClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, NewError(KindConfiguration, "invalid proxy url", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return client, nil
}
