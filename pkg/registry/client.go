package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/rs/zerolog"
)

const (
	// MaxPages bounds tag-list pagination
	MaxPages = 2000
	// DefaultPageSize is the n= parameter sent on tag listing
	DefaultPageSize = 1000
)

var manifestAccept = []string{
	string(types.OCIImageIndex),
	string(types.DockerManifestList),
	string(types.OCIManifestSchema1),
	string(types.DockerManifestSchema2),
}

// Client talks to a Docker Registry HTTP API v2 endpoint
type Client struct {
	baseURL    *url.URL
	registry   name.Registry
	httpClient *http.Client
	keychain   authn.Keychain
	pageSize   int
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its transport carries
// every request, including the auth handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithKeychain replaces authn.DefaultKeychain
func WithKeychain(kc authn.Keychain) Option {
	return func(c *Client) { c.keychain = kc }
}

// WithPageSize sets the tag page size
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithClock injects a time source for Retry-After dates
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the registry at baseURL
// (e.g. https://registry-1.docker.io)
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid registry URL %q", baseURL)
	}
	var nameOpts []name.Option
	if u.Scheme == "http" {
		nameOpts = append(nameOpts, name.Insecure)
	}
	reg, err := name.NewRegistry(u.Host, nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    u,
		registry:   reg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keychain:   authn.DefaultKeychain,
		pageSize:   DefaultPageSize,
		now:        time.Now,
		logger:     log.WithComponent("registry"),
		clients:    make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// url joins path (which may carry a query) onto the base URL
func (c *Client) url(path string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + path
}

// do sends one authorized request. The caller owns the returned body.
func (c *Client) do(ctx context.Context, method, rawURL, repo string, accept []string) (*http.Response, error) {
	hc, err := c.httpClientFor(ctx, repo)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, registryError(err)
	}
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ", "))
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func record(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTagNotFound) || errors.Is(err, ErrRepositoryNotFound):
		outcome = "not_found"
	default:
		if _, ok := IsRateLimited(err); ok {
			outcome = "rate_limited"
		} else if errdefs.Is(err, errdefs.CodeRegistryAuth) {
			outcome = "auth_failed"
		} else if errdefs.Is(err, errdefs.CodeCanceled) {
			outcome = "canceled"
		} else {
			outcome = "error"
		}
	}
	metrics.RegistryRequestsTotal.WithLabelValues(op, outcome).Inc()
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns every tag of repo, following Link pagination
func (c *Client) ListTags(ctx context.Context, repo string) (tags []string, err error) {
	defer func() { record("list_tags", err) }()

	next := c.url(fmt.Sprintf("/v2/%s/tags/list?n=%d", repo, c.pageSize))
	seen := make(map[string]bool)

	for page := 0; next != ""; page++ {
		if page >= MaxPages {
			return nil, errdefs.Wrap(errdefs.CodePaginationStalled, "",
				fmt.Errorf("tag list for %s exceeded %d pages", repo, MaxPages))
		}
		if seen[next] {
			return nil, errdefs.Wrap(errdefs.CodePaginationStalled, "",
				fmt.Errorf("tag list for %s repeated cursor %s", repo, next))
		}
		seen[next] = true

		resp, err := c.do(ctx, http.MethodGet, next, repo, []string{"application/json"})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			err := statusError(resp, ErrRepositoryNotFound)
			drain(resp)
			return nil, err
		}

		var body tagList
		decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&body)
		link := resp.Header.Get("Link")
		drain(resp)
		if decodeErr != nil {
			return nil, registryError(fmt.Errorf("decode tag list: %w", decodeErr))
		}
		tags = append(tags, body.Tags...)

		next, err = c.nextLink(next, link)
		if err != nil {
			return nil, err
		}
	}
	return tags, nil
}

// nextLink resolves a `<...>; rel="next"` header against the current page
func (c *Client) nextLink(current, header string) (string, error) {
	if header == "" {
		return "", nil
	}
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		isNext := false
		for _, attr := range segs[1:] {
			attr = strings.ReplaceAll(strings.TrimSpace(attr), " ", "")
			if attr == `rel="next"` || attr == "rel=next" {
				isNext = true
			}
		}
		if !isNext {
			continue
		}
		ref, err := url.Parse(target[1 : len(target)-1])
		if err != nil {
			return "", registryError(fmt.Errorf("invalid Link header %q: %w", header, err))
		}
		base, err := url.Parse(current)
		if err != nil {
			return "", registryError(err)
		}
		return base.ResolveReference(ref).String(), nil
	}
	return "", nil
}

// GetDigest probes whether repo:tag exists and returns its content digest.
// It uses HEAD so it does not count against pull quotas.
func (c *Client) GetDigest(ctx context.Context, repo, tag string) (digest string, err error) {
	defer func() { record("get_digest", err) }()

	resp, err := c.do(ctx, http.MethodHead, c.url(fmt.Sprintf("/v2/%s/manifests/%s", repo, tag)), repo, manifestAccept)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp, ErrTagNotFound)
	}
	digest = resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", errdefs.Wrap(errdefs.CodeNoDigest, "",
			fmt.Errorf("HEAD %s:%s returned no Docker-Content-Digest", repo, tag))
	}
	return digest, nil
}

// fetchManifest GETs a manifest by tag or digest
func (c *Client) fetchManifest(ctx context.Context, repo, reference string) ([]byte, types.MediaType, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(fmt.Sprintf("/v2/%s/manifests/%s", repo, reference)), repo, manifestAccept)
	if err != nil {
		return nil, "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(resp, ErrTagNotFound)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", registryError(fmt.Errorf("read manifest: %w", err))
	}
	mt := types.MediaType(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]))
	return body, mt, nil
}
