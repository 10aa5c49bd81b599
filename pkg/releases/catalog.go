package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

const (
	// DefaultTTL is how long a fetched catalog is trusted
	DefaultTTL = 24 * time.Hour
	perPage    = 100
)

// Result is the outcome of a catalog lookup
type Result struct {
	Releases  []types.Release
	FetchedAt time.Time
	// Online is false when the catalog could not be reached and Releases
	// came from the persisted cache
	Online bool
}

// Latest returns the newest release, or nil
func (r *Result) Latest() *types.Release {
	if r == nil || len(r.Releases) == 0 {
		return nil
	}
	latest := r.Releases[0]
	return &latest
}

// Catalog lists published releases of a GitHub repository
type Catalog struct {
	apiURL     string
	repository string
	token      string
	httpClient *http.Client
	store      storage.Store
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Catalog
type Option func(*Catalog)

// WithToken authenticates catalog requests
func WithToken(token string) Option {
	return func(c *Catalog) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Catalog) { c.httpClient = hc }
}

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) { c.ttl = ttl }
}

// WithClock injects a time source
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// NewCatalog creates a catalog for repository ("owner/name") served by the
// GitHub REST API at apiURL
func NewCatalog(apiURL, repository string, store storage.Store, opts ...Option) *Catalog {
	c := &Catalog{
		apiURL:     strings.TrimRight(apiURL, "/"),
		repository: repository,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		store:      store,
		ttl:        DefaultTTL,
		now:        time.Now,
		logger:     log.WithComponent("releases"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repository returns the source repository
func (c *Catalog) Repository() string {
	return c.repository
}

// Releases returns published releases, newest first. A cache younger than
// the TTL is served without a request unless force is set. When the API
// cannot be reached the last cached catalog is returned with Online false.
func (c *Catalog) Releases(ctx context.Context, force bool) (*Result, error) {
	cached, err := c.store.GetReleaseCache(c.repository)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Err(err).Msg("Failed to read release cache")
	}

	if !force && cached != nil && c.now().Sub(cached.FetchedAt) < c.ttl {
		return &Result{Releases: cached.Releases, FetchedAt: cached.FetchedAt, Online: true}, nil
	}

	releases, fetchErr := c.fetch(ctx)
	if fetchErr == nil {
		fetched := &types.ReleaseCache{
			Repository: c.repository,
			Releases:   releases,
			FetchedAt:  c.now(),
		}
		if err := c.store.PutReleaseCache(fetched); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist release cache")
		}
		return &Result{Releases: releases, FetchedAt: fetched.FetchedAt, Online: true}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if cached != nil {
		c.logger.Warn().Err(fetchErr).
			Time("cached_at", cached.FetchedAt).
			Msg("Release catalog unreachable, using cached releases")
		return &Result{Releases: cached.Releases, FetchedAt: cached.FetchedAt, Online: false}, nil
	}
	return nil, fetchErr
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

func (c *Catalog) fetch(ctx context.Context) ([]types.Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", c.apiURL, c.repository, perPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeReleaseCatalog, "", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeReleaseUnavailable, "", fmt.Errorf("fetch releases: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, errdefs.Wrap(errdefs.CodeReleaseCatalog, "",
			fmt.Errorf("GET %s: %s", url, resp.Status)).
			WithMeta("status", resp.Status)
	}

	var raw []githubRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&raw); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeReleaseCatalog, "", fmt.Errorf("decode releases: %w", err))
	}
	releases := filter(raw)
	c.logger.Debug().Int("releases", len(releases)).Int("raw", len(raw)).Msg("Fetched release catalog")
	return releases, nil
}

// filter keeps published, non-prerelease releases whose tag is a
// vMAJOR.MINOR.PATCH version, newest first
func filter(raw []githubRelease) []types.Release {
	out := make([]types.Release, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		if r.Draft || r.Prerelease || !IsReleaseTag(r.TagName) || seen[r.TagName] {
			continue
		}
		seen[r.TagName] = true
		name := r.Name
		if name == "" {
			name = r.TagName
		}
		out = append(out, types.Release{
			Tag:         r.TagName,
			Name:        name,
			PublishedAt: r.PublishedAt,
			URL:         r.HTMLURL,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return semver.Compare(out[i].Tag, out[j].Tag) > 0
	})
	return out
}

// IsReleaseTag reports whether tag is exactly vMAJOR.MINOR.PATCH
func IsReleaseTag(tag string) bool {
	if !semver.IsValid(tag) || semver.Prerelease(tag) != "" || semver.Build(tag) != "" {
		return false
	}
	// semver accepts the v1 and v1.2 shorthands; releases carry all three parts
	return semver.Canonical(tag) == tag
}

// Newer reports whether release tag a is a higher version than b. Tags that
// are not release tags never compare newer.
func Newer(a, b string) bool {
	if !IsReleaseTag(a) {
		return false
	}
	if !IsReleaseTag(b) {
		return true
	}
	return semver.Compare(a, b) > 0
}
