package releases

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var sampleReleases = []githubRelease{
	{TagName: "v1.2.0", Name: "1.2.0", PublishedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	{TagName: "v1.10.0", PublishedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
	{TagName: "v1.3.0-rc.1", Prerelease: true},
	{TagName: "v2.0.0", Draft: true},
	{TagName: "nightly"},
	{TagName: "v1.3"},
	{TagName: "v1.9.1"},
}

func githubServer(t *testing.T, calls *atomic.Int32, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/repos/acme/app/releases", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(sampleReleases)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReleasesFiltersAndSorts(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusOK)
	srv := githubServer(t, &calls, &status)

	c := NewCatalog(srv.URL, "acme/app", newStore(t), WithToken("secret"))
	res, err := c.Releases(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Online)

	var tags []string
	for _, r := range res.Releases {
		tags = append(tags, r.Tag)
	}
	assert.Equal(t, []string{"v1.10.0", "v1.9.1", "v1.2.0"}, tags)
	assert.Equal(t, "v1.10.0", res.Latest().Tag)
	assert.Equal(t, "v1.10.0", res.Releases[0].Name, "empty name falls back to the tag")
}

func TestReleasesServedFromCacheWithinTTL(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusOK)
	srv := githubServer(t, &calls, &status)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCatalog(srv.URL, "acme/app", newStore(t), WithToken("secret"),
		WithClock(func() time.Time { return now }))

	_, err := c.Releases(context.Background(), false)
	require.NoError(t, err)
	_, err = c.Releases(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.Releases(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "force bypasses the cache")

	now = now.Add(DefaultTTL + time.Minute)
	_, err = c.Releases(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "expired cache is refetched")
}

func TestReleasesOfflineFallback(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusOK)
	srv := githubServer(t, &calls, &status)
	store := newStore(t)

	c := NewCatalog(srv.URL, "acme/app", store, WithToken("secret"))
	_, err := c.Releases(context.Background(), false)
	require.NoError(t, err)

	status.Store(http.StatusBadGateway)
	res, err := c.Releases(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, res.Online)
	assert.Len(t, res.Releases, 3)
}

func TestReleasesUnavailableWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewCatalog(srv.URL, "acme/app", newStore(t))
	_, err := c.Releases(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeReleaseUnavailable, errdefs.CodeOf(err))
}

func TestReleasesBadStatusWithoutCache(t *testing.T) {
	var calls, status atomic.Int32
	status.Store(http.StatusForbidden)
	srv := githubServer(t, &calls, &status)

	c := NewCatalog(srv.URL, "acme/app", newStore(t), WithToken("secret"))
	_, err := c.Releases(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeReleaseCatalog, errdefs.CodeOf(err))
}

func TestIsReleaseTag(t *testing.T) {
	tests := map[string]bool{
		"v1.2.3":       true,
		"v0.0.1":       true,
		"1.2.3":        false,
		"v1.2":         false,
		"v1.2.3-rc.1":  false,
		"v1.2.3+build": false,
		"v01.2.3":      false,
		"testing":      false,
	}
	for tag, want := range tests {
		assert.Equal(t, want, IsReleaseTag(tag), tag)
	}
}

func TestNewer(t *testing.T) {
	assert.True(t, Newer("v1.3.0", "v1.2.0"))
	assert.True(t, Newer("v1.10.0", "v1.9.0"))
	assert.False(t, Newer("v1.2.0", "v1.2.0"))
	assert.False(t, Newer("testing", "v1.2.0"))
	assert.True(t, Newer("v1.0.0", "local"))
}

func TestLatestOnEmptyResult(t *testing.T) {
	var r *Result
	assert.Nil(t, r.Latest())
	assert.Nil(t, (&Result{Releases: []types.Release{}}).Latest())
}
