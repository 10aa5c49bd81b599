package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/google/go-containerregistry/pkg/authn"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "acme/app"

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithKeychain(authn.NewMultiKeychain()),
	}, opts...)
	c, err := NewClient(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

// withV2 answers the GET /v2/ version check anonymously and hands every
// other request to h
func withV2(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			return
		}
		h(w, req)
	})
}

// tokenRegistry requires a bearer token issued by its own /token endpoint
type tokenRegistry struct {
	srv          *httptest.Server
	mux          *http.ServeMux
	tokenCalls   atomic.Int32
	token        atomic.Value
	realm        atomic.Value
	rejectTokens atomic.Bool
}

func newTokenRegistry(t *testing.T) *tokenRegistry {
	r := &tokenRegistry{mux: http.NewServeMux()}
	r.token.Store("tok-1")
	r.realm.Store("/token")
	r.mux.HandleFunc("/token", func(w http.ResponseWriter, req *http.Request) {
		r.tokenCalls.Add(1)
		assert.Equal(t, "registry.test", req.URL.Query().Get("service"))
		assert.Equal(t, "repository:"+testRepo+":pull", req.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": r.token.Load(), "expires_in": 300})
	})
	r.mux.HandleFunc("/v2/", r.guard(func(w http.ResponseWriter, req *http.Request) {}))
	r.srv = httptest.NewServer(r.mux)
	t.Cleanup(r.srv.Close)
	return r
}

// guard wraps h so that it only runs for requests carrying the issued token
func (r *tokenRegistry) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.rejectTokens.Load() || req.Header.Get("Authorization") != "Bearer "+r.token.Load().(string) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer realm="%s%s",service="registry.test",scope="repository:%s:pull"`, r.srv.URL, r.realm.Load(), testRepo))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, req)
	}
}

func TestListTagsTokenFlowAndPagination(t *testing.T) {
	reg := newTokenRegistry(t)
	reg.mux.HandleFunc("/v2/acme/app/tags/list", reg.guard(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Query().Get("last") {
		case "":
			w.Header().Set("Link", `</v2/acme/app/tags/list?n=2&last=v1.1.0>; rel="next"`)
			_ = json.NewEncoder(w).Encode(tagList{Name: testRepo, Tags: []string{"v1.0.0", "v1.1.0"}})
		case "v1.1.0":
			_ = json.NewEncoder(w).Encode(tagList{Name: testRepo, Tags: []string{"v1.2.0"}})
		default:
			t.Errorf("unexpected cursor %q", req.URL.Query().Get("last"))
		}
	}))

	c := newTestClient(t, reg.srv, WithPageSize(2))
	tags, err := c.ListTags(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0.0", "v1.1.0", "v1.2.0"}, tags)
	assert.Equal(t, int32(1), reg.tokenCalls.Load(), "token should be cached across pages")

	// second call reuses the cached token
	_, err = c.ListTags(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reg.tokenCalls.Load())
}

func TestListTagsRefreshesExpiredToken(t *testing.T) {
	reg := newTokenRegistry(t)
	reg.mux.HandleFunc("/v2/acme/app/tags/list", reg.guard(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(tagList{Tags: []string{"v1.0.0"}})
	}))

	c := newTestClient(t, reg.srv)

	_, err := c.ListTags(context.Background(), testRepo)
	require.NoError(t, err)
	require.Equal(t, int32(1), reg.tokenCalls.Load())

	// server rotates the token; the cached one now gets a 401 and is replaced
	reg.token.Store("tok-2")
	_, err = c.ListTags(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reg.tokenCalls.Load())
}

func TestListTagsStillUnauthorized(t *testing.T) {
	reg := newTokenRegistry(t)
	reg.rejectTokens.Store(true)
	reg.mux.HandleFunc("/v2/acme/app/tags/list", reg.guard(func(w http.ResponseWriter, req *http.Request) {}))

	c := newTestClient(t, reg.srv)
	_, err := c.ListTags(context.Background(), testRepo)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeRegistryAuth, errdefs.CodeOf(err))
}

func TestListTagsRepeatedCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(withV2(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, req.URL.RequestURI()))
		_ = json.NewEncoder(w).Encode(tagList{Tags: []string{"v1.0.0"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ListTags(context.Background(), testRepo)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodePaginationStalled, errdefs.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func rateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "120")
	w.Header().Set("RateLimit-Limit", "100;w=21600")
	w.Header().Set("RateLimit-Remaining", "0;w=21600")
	w.WriteHeader(http.StatusTooManyRequests)
}

func TestListTagsRateLimited(t *testing.T) {
	srv := httptest.NewServer(withV2(func(w http.ResponseWriter, req *http.Request) {
		rateLimited(w)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ListTags(context.Background(), testRepo)
	require.Error(t, err)

	rl, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, rl.RetryAfter)
	assert.Equal(t, 100, rl.Limit)
	assert.Equal(t, 0, rl.Remaining)
	assert.Equal(t, errdefs.CodeRateLimited, errdefs.CodeOf(err))
}

func TestRateLimitDuringAuthHandshake(t *testing.T) {
	tests := []struct {
		name  string
		setup func(reg *tokenRegistry)
	}{
		{name: "version check", setup: func(reg *tokenRegistry) {
			reg.mux.HandleFunc("/v2/{$}", func(w http.ResponseWriter, req *http.Request) { rateLimited(w) })
		}},
		{name: "token endpoint", setup: func(reg *tokenRegistry) {
			reg.mux.HandleFunc("/token/limited", func(w http.ResponseWriter, req *http.Request) { rateLimited(w) })
			reg.realm.Store("/token/limited")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTokenRegistry(t)
			tt.setup(reg)

			_, err := newTestClient(t, reg.srv).GetDigest(context.Background(), testRepo, "v1.0.0")
			rl, ok := IsRateLimited(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, 2*time.Minute, rl.RetryAfter)
			assert.Equal(t, errdefs.CodeRateLimited, errdefs.CodeOf(err))
		})
	}
}

func TestListTagsUnknownRepository(t *testing.T) {
	srv := httptest.NewServer(withV2(http.NotFound))
	defer srv.Close()

	_, err := newTestClient(t, srv).ListTags(context.Background(), testRepo)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestGetDigest(t *testing.T) {
	const digest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	srv := httptest.NewServer(withV2(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodHead, req.Method)
		assert.Contains(t, req.Header.Get("Accept"), string(types.OCIImageIndex))
		switch req.URL.Path {
		case "/v2/acme/app/manifests/v1.2.3":
			w.Header().Set("Docker-Content-Digest", digest)
		case "/v2/acme/app/manifests/nodigest":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	tests := []struct {
		name    string
		tag     string
		want    string
		wantErr error
		code    errdefs.Code
	}{
		{name: "present", tag: "v1.2.3", want: digest},
		{name: "missing", tag: "v9.9.9", wantErr: ErrTagNotFound},
		{name: "no digest header", tag: "nodigest", code: errdefs.CodeNoDigest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.GetDigest(context.Background(), testRepo, tt.tag)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.code != "":
				assert.Equal(t, tt.code, errdefs.CodeOf(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetDigestCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv).GetDigest(ctx, testRepo, "v1.0.0")
	assert.ErrorIs(t, err, context.Canceled)
}

func hash(t *testing.T, c byte) v1.Hash {
	t.Helper()
	h, err := v1.NewHash("sha256:" + strings.Repeat(string(c), 64))
	require.NoError(t, err)
	return h
}

func TestGetLayerSizesFromIndex(t *testing.T) {
	amd := hash(t, 'a')
	arm := hash(t, 'b')
	att := hash(t, 'c')

	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.OCIImageIndex,
		Manifests: []v1.Descriptor{
			{MediaType: types.OCIManifestSchema1, Digest: att, Size: 500,
				Platform:    &v1.Platform{OS: "unknown", Architecture: "unknown"},
				Annotations: map[string]string{"vnd.docker.reference.type": "attestation-manifest"}},
			{MediaType: types.OCIManifestSchema1, Digest: amd, Size: 500,
				Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}},
			{MediaType: types.OCIManifestSchema1, Digest: arm, Size: 500,
				Platform: &v1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}},
		},
	}
	armManifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config:        v1.Descriptor{MediaType: types.OCIConfigJSON, Digest: hash(t, 'd'), Size: 10},
		Layers: []v1.Descriptor{
			{MediaType: types.OCILayer, Digest: hash(t, 'e'), Size: 1000},
			{MediaType: types.OCILayer, Digest: hash(t, 'f'), Size: 3000},
		},
	}

	srv := httptest.NewServer(withV2(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v2/acme/app/manifests/v1.2.3":
			w.Header().Set("Content-Type", string(types.OCIImageIndex))
			_ = json.NewEncoder(w).Encode(index)
		case "/v2/acme/app/manifests/" + arm.String():
			w.Header().Set("Content-Type", string(types.OCIManifestSchema1))
			_ = json.NewEncoder(w).Encode(armManifest)
		default:
			t.Errorf("unexpected manifest request %s", req.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ls, err := newTestClient(t, srv).GetLayerSizes(context.Background(), testRepo, "v1.2.3", "linux/arm64")
	require.NoError(t, err)
	assert.Equal(t, arm.String(), ls.Digest)
	assert.Equal(t, "linux/arm64/v8", ls.Platform)
	assert.Equal(t, int64(4000), ls.Total)
	assert.Equal(t, map[string]int64{
		strings.Repeat("e", 12): 1000,
		strings.Repeat("f", 12): 3000,
	}, ls.Sizes)
}

func TestGetLayerSizesSingleManifestWithoutContentType(t *testing.T) {
	m := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.DockerManifestSchema2,
		Config:        v1.Descriptor{MediaType: types.DockerConfigJSON, Digest: hash(t, '1'), Size: 10},
		Layers:        []v1.Descriptor{{MediaType: types.DockerLayer, Digest: hash(t, '2'), Size: 42}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(m)
	}))
	defer srv.Close()

	ls, err := newTestClient(t, srv).GetLayerSizes(context.Background(), testRepo, "testing", "linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ls.Total)
	assert.True(t, strings.HasPrefix(ls.Digest, "sha256:"))
}

func TestSelectPlatform(t *testing.T) {
	attestation := v1.Descriptor{
		Digest:      v1.Hash{Algorithm: "sha256", Hex: "att"},
		Platform:    &v1.Platform{OS: "unknown", Architecture: "unknown"},
		Annotations: map[string]string{"vnd.docker.reference.type": "attestation-manifest"},
	}
	armv7 := v1.Descriptor{Digest: v1.Hash{Algorithm: "sha256", Hex: "armv7"},
		Platform: &v1.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}}
	armv6 := v1.Descriptor{Digest: v1.Hash{Algorithm: "sha256", Hex: "armv6"},
		Platform: &v1.Platform{OS: "linux", Architecture: "arm", Variant: "v6"}}
	amd := v1.Descriptor{Digest: v1.Hash{Algorithm: "sha256", Hex: "amd"},
		Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}}
	noPlatform := v1.Descriptor{Digest: v1.Hash{Algorithm: "sha256", Hex: "bare"}}

	all := []v1.Descriptor{attestation, armv6, armv7, amd}

	tests := []struct {
		name  string
		descs []v1.Descriptor
		want  v1.Platform
		hex   string
		found bool
	}{
		{name: "exact variant", descs: all, want: v1.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, hex: "armv7", found: true},
		{name: "os and arch", descs: all, want: v1.Platform{OS: "linux", Architecture: "arm", Variant: "v5"}, hex: "armv6", found: true},
		{name: "os only", descs: all, want: v1.Platform{OS: "linux", Architecture: "riscv64"}, hex: "armv6", found: true},
		{name: "first non-attestation", descs: all, want: v1.Platform{OS: "windows", Architecture: "amd64"}, hex: "armv6", found: true},
		{name: "descriptor without platform", descs: []v1.Descriptor{attestation, noPlatform}, want: v1.Platform{OS: "linux", Architecture: "amd64"}, hex: "bare", found: true},
		{name: "only attestations", descs: []v1.Descriptor{attestation}, want: v1.Platform{OS: "linux", Architecture: "amd64"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectPlatform(tt.descs, tt.want)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.hex, got.Digest.Hex)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("", now))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "registry-1.docker.io", "ftp://example.com"} {
		_, err := NewClient(u)
		assert.Error(t, err, u)
	}
}
