// Package httputil builds the HTTP clients used for archive downloads.
package httputil

import (
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds one whole request. Full ERA5 states are
	// hundreds of megabytes, so it is generous.
	DefaultTimeout = 10 * time.Minute
	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout = 30 * time.Second
)

// NewClient returns an HTTP client for bulk downloads. A zero timeout
// selects DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   HeaderTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: HeaderTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}
