// Package httpclient provides the HTTP client used for health endpoints.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single health request.
const DefaultTimeout = 5 * time.Second

// maxDrain caps how much of a response body is read before closing.
const maxDrain = 64 * 1024

// New creates an HTTP client for probing local services. Connections are not
// reused between probes and proxies from the environment are ignored, since
// health endpoints live on this host.
func New(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Prober issues GET requests against health endpoints.
type Prober struct {
	client *http.Client
}

// NewProber creates a Prober with the given per-request timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{client: New(timeout)}
}

// Status requests url and returns the response status code.
func (p *Prober) Status(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "guardian-healthcheck")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	return resp.StatusCode, nil
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
