package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
)

var (
	// ErrTagNotFound means the registry has no manifest for the tag
	ErrTagNotFound = errors.New("registry: tag not found")
	// ErrRepositoryNotFound means the registry does not know the repository
	ErrRepositoryNotFound = errors.New("registry: repository not found")
)

// RateLimitError is returned when the registry answers 429. Fields are zero
// when the registry did not send the matching header.
type RateLimitError struct {
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	Status     int
}

func (e *RateLimitError) Error() string {
	msg := "registry: rate limited"
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Limit > 0 {
		msg += fmt.Sprintf(" [%d/%d remaining]", e.Remaining, e.Limit)
	}
	return msg
}

// ErrorCode implements errdefs.Coder
func (e *RateLimitError) ErrorCode() errdefs.Code {
	return errdefs.CodeRateLimited
}

// IsRateLimited reports whether err is a *RateLimitError
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func newRateLimitError(resp *http.Response, now time.Time) *RateLimitError {
	return &RateLimitError{
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		Limit:      parseRateLimitHeader(resp.Header.Get("RateLimit-Limit")),
		Remaining:  parseRateLimitHeader(resp.Header.Get("RateLimit-Remaining")),
		Status:     resp.StatusCode,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// parseRateLimitHeader reads "100;w=21600" style values
func parseRateLimitHeader(v string) int {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func authError(err error) error {
	return errdefs.Wrap(errdefs.CodeRegistryAuth, "", err)
}

func registryError(err error) error {
	return errdefs.Wrap(errdefs.CodeRegistry, "", err)
}

// statusError maps a non-2xx response onto the error taxonomy
func statusError(resp *http.Response, notFound error) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return notFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return authError(fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status))
	default:
		return registryError(fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status))
	}
}
