package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// dockerHubHost is where Docker Hub serves the v2 API. The keychain knows
// it as name.DefaultRegistry.
const dockerHubHost = "registry-1.docker.io"

// rateLimitTransport turns 429 answers into *RateLimitError so that neither
// the auth handshake nor the caller mistakes them for an auth failure
type rateLimitTransport struct {
	inner http.RoundTripper
	now   func() time.Time
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rl := newRateLimitError(resp, t.now())
		drain(resp)
		return nil, rl
	}
	return resp, nil
}

// authenticator resolves credentials for the registry from the keychain,
// falling back to anonymous access
func (c *Client) authenticator(ctx context.Context) authn.Authenticator {
	target := c.registry
	if target.RegistryStr() == dockerHubHost {
		if hub, err := name.NewRegistry(name.DefaultRegistry); err == nil {
			target = hub
		}
	}
	auth, err := authn.Resolve(ctx, c.keychain, target)
	if err != nil {
		c.logger.Warn().Err(err).Str("registry", target.String()).Msg("Failed to resolve registry credentials, using anonymous access")
		return authn.Anonymous
	}
	return auth
}

// httpClientFor returns a client authorized to pull from repo. The auth
// handshake runs once per repository; the bearer transport refreshes its
// token and retries once when the registry answers with a new challenge.
func (c *Client) httpClientFor(ctx context.Context, repo string) (*http.Client, error) {
	c.mu.Lock()
	hc, ok := c.clients[repo]
	c.mu.Unlock()
	if ok {
		return hc, nil
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	scopes := []string{c.registry.Repo(repo).Scope(transport.PullScope)}
	rt, err := transport.NewWithContext(ctx, c.registry, c.authenticator(ctx),
		&rateLimitTransport{inner: base, now: c.now}, scopes)
	if err != nil {
		return nil, c.transportError(ctx, fmt.Errorf("authorize pull of %s: %w", repo, err))
	}
	c.logger.Debug().Str("repository", repo).Msg("Registry transport ready")

	hc = &http.Client{
		Transport:     rt,
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
	}
	c.mu.Lock()
	if existing, ok := c.clients[repo]; ok {
		hc = existing
	} else {
		c.clients[repo] = hc
	}
	c.mu.Unlock()
	return hc, nil
}

// transportError maps a failed round trip onto the error taxonomy
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if rl, ok := IsRateLimited(err); ok {
		return rl
	}
	var terr *transport.Error
	if errors.As(err, &terr) &&
		(terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden) {
		return authError(err)
	}
	return registryError(err)
}
