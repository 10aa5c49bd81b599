package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes one URL and judges the answer by its status code
type HTTPChecker struct {
	url       string
	minStatus int
	maxStatus int
	client    *http.Client
}

// NewHTTPChecker creates a checker accepting 2xx and 3xx answers. Redirects
// are not followed.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:       url,
		minStatus: 200,
		maxStatus: 399,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewUIChecker probes the primary HTTP surface of an instance on a host port.
// Any non-5xx answer means the server is up, since the UI may not serve "/".
func NewUIChecker(hostPort int) *HTTPChecker {
	return NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/", hostPort)).
		WithStatusRange(200, 499)
}

// URL returns the probed URL
func (h *HTTPChecker) URL() string {
	return h.url
}

// Check performs one probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, format string, args ...any) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return result(false, "invalid probe request: %v", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return result(false, "no answer: %v", err)
	}
	// drain so the next attempt can reuse the connection
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < h.minStatus || resp.StatusCode > h.maxStatus {
		return result(false, "HTTP %d (want %d-%d)", resp.StatusCode, h.minStatus, h.maxStatus)
	}
	return result(true, "HTTP %d", resp.StatusCode)
}

// WithStatusRange sets the accepted status codes, inclusive
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.minStatus = min
	h.maxStatus = max
	return h
}

// WithTimeout bounds a single probe
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}
